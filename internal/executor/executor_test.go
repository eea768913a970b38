package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/delivery/storetest"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/partner"
	"github.com/austindbirch/impact_relay/internal/payload"
	"github.com/austindbirch/impact_relay/internal/store/sqlite"
)

const dlqTopic = "deliveries_exhausted"

type fixture struct {
	store   *sqlite.Store
	exec    *Executor
	events  *events.Memory
	builds  *atomic.Int32
	bodies  chan []byte
	now     time.Time
	backoff delivery.Backoff
}

// newFixture wires an executor against an in-memory store and a partner
// server that answers with handler.
func newFixture(t *testing.T, handler http.HandlerFunc, builder payload.Builder) *fixture {
	t.Helper()
	f := &fixture{
		store:   sqlite.OpenTestStore(t),
		events:  &events.Memory{},
		builds:  &atomic.Int32{},
		bodies:  make(chan []byte, 16),
		now:     storetest.Base.Add(time.Minute),
		backoff: delivery.Backoff{Base: 30 * time.Second, Cap: 30 * time.Minute},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.bodies <- b
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	if builder == nil {
		builder = payload.Static(map[string]any{"volunteer_hours": 12})
	}
	counting := payload.Func(func(ctx context.Context, req payload.Request) (*structpb.Struct, error) {
		f.builds.Add(1)
		return builder.Build(ctx, req)
	})

	endpoints := map[delivery.Platform]partner.Endpoint{}
	for _, p := range delivery.AllPlatforms {
		endpoints[p] = partner.Endpoint{URL: srv.URL, Secret: "s3cret", Timeout: 200 * time.Millisecond}
	}
	f.exec = New(f.store, counting, partner.NewClient(endpoints),
		WithBackoff(f.backoff),
		WithDeadLetters(f.events, dlqTopic),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }
}

func (f *fixture) attempts(t *testing.T, id string) []delivery.Attempt {
	t.Helper()
	as, err := f.store.ListAttempts(context.Background(), delivery.TimelineQuery{DeliveryID: id})
	require.NoError(t, err)
	return as
}

func (f *fixture) get(t *testing.T, id string) *delivery.Delivery {
	t.Helper()
	d, err := f.store.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestAttemptSuccess(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(partner.ReferenceHeader, "BEN-42")
		w.WriteHeader(http.StatusCreated)
	}, nil)
	d := storetest.Seed(t, f.store, "acme", delivery.PlatformBenevity, "2026-09", 5)
	c := storetest.ClaimOne(t, f.store, delivery.PlatformBenevity, storetest.Base)

	res := f.exec.Attempt(context.Background(), c)

	assert.True(t, res.Recorded())
	assert.Equal(t, delivery.OutcomeSuccess, res.Outcome)
	assert.Equal(t, delivery.StatusDelivered, res.Status)
	assert.Equal(t, 1, res.AttemptNumber)

	got := f.get(t, d.ID)
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, f.now.Equal(*got.CompletedAt))
	assert.Equal(t, "BEN-42", got.PartnerRef)
	assert.Equal(t, d.ID, got.ExternalRef)
	assert.Nil(t, got.LastError)
	require.NotEmpty(t, got.PayloadSnapshotRef)

	snap, err := f.store.GetSnapshot(context.Background(), got.PayloadSnapshotRef)
	require.NoError(t, err)
	assert.Equal(t, <-f.bodies, snap.Body)

	as := f.attempts(t, d.ID)
	require.Len(t, as, 1)
	assert.Equal(t, delivery.SourceExecutor, as[0].Source)
	assert.Equal(t, http.StatusCreated, as[0].HTTPStatus)
}

func TestAttemptTransientSchedulesRetry(t *testing.T) {
	f := newFixture(t, status(http.StatusServiceUnavailable), nil)
	d := storetest.Seed(t, f.store, "acme", delivery.PlatformGoodera, "2026-09", 3)
	c := storetest.ClaimOne(t, f.store, delivery.PlatformGoodera, storetest.Base)

	res := f.exec.Attempt(context.Background(), c)

	assert.Equal(t, delivery.OutcomeTransientFailure, res.Outcome)
	assert.Equal(t, delivery.StatusFailed, res.Status)
	require.NotNil(t, res.NextAttemptAt)
	assert.True(t, f.now.Add(30*time.Second).Equal(*res.NextAttemptAt))

	got := f.get(t, d.ID)
	assert.Equal(t, delivery.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, http.StatusServiceUnavailable, got.LastError.HTTPStatus)
	assert.Empty(t, f.events.Messages(dlqTopic))
}

func TestAttemptThreeTransientFailuresExhaust(t *testing.T) {
	f := newFixture(t, status(http.StatusBadGateway), nil)
	d := storetest.Seed(t, f.store, "acme", delivery.PlatformYourCause, "2026-Q3", 3)

	var last AttemptResult
	claimAt := storetest.Base
	for i := 1; i <= 3; i++ {
		c := storetest.ClaimOne(t, f.store, delivery.PlatformYourCause, claimAt)
		require.Equal(t, i, c.AttemptCount)
		last = f.exec.Attempt(context.Background(), c)
		if last.NextAttemptAt != nil {
			claimAt = *last.NextAttemptAt
			f.now = claimAt.Add(time.Second)
		}
	}

	assert.Equal(t, delivery.StatusExhausted, last.Status)
	got := f.get(t, d.ID)
	assert.Equal(t, delivery.StatusExhausted, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Len(t, f.attempts(t, d.ID), 3)

	claimed, err := f.store.ClaimDue(context.Background(), delivery.ClaimRequest{
		Platform: delivery.PlatformYourCause, Limit: 10, Now: claimAt.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, claimed, "exhausted deliveries are never claimed")

	msgs := f.events.Messages(dlqTopic)
	require.Len(t, msgs, 1)
	var dl delivery.DeadLetter
	require.NoError(t, json.Unmarshal(msgs[0].Message.Data, &dl))
	assert.Equal(t, delivery.DLQType, dl.Type)
	assert.Equal(t, "max_attempts", dl.Reason)
	assert.Equal(t, d.ID, dl.Delivery.ID)
	assert.Equal(t, delivery.StatusExhausted, dl.Delivery.Status)
}

func TestAttemptPermanentExhaustsImmediately(t *testing.T) {
	f := newFixture(t, status(http.StatusUnprocessableEntity), nil)
	d := storetest.Seed(t, f.store, "acme", delivery.PlatformBenevity, "2026-09", 5)
	c := storetest.ClaimOne(t, f.store, delivery.PlatformBenevity, storetest.Base)

	res := f.exec.Attempt(context.Background(), c)

	assert.Equal(t, delivery.OutcomePermanentFailure, res.Outcome)
	assert.Equal(t, delivery.StatusExhausted, res.Status)
	got := f.get(t, d.ID)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.NextAttemptAt)

	msgs := f.events.Messages(dlqTopic)
	require.Len(t, msgs, 1)
	var dl delivery.DeadLetter
	require.NoError(t, json.Unmarshal(msgs[0].Message.Data, &dl))
	assert.Equal(t, "permanent", dl.Reason)
	assert.Equal(t, http.StatusUnprocessableEntity, dl.HTTPStatus)
}

func TestAttemptBuilderErrorIsPermanent(t *testing.T) {
	failing := payload.Func(func(ctx context.Context, req payload.Request) (*structpb.Struct, error) {
		return nil, errors.New("metrics not computed for period")
	})
	f := newFixture(t, status(http.StatusOK), failing)
	d := storetest.Seed(t, f.store, "acme", delivery.PlatformGoodera, "2026-09", 5)
	c := storetest.ClaimOne(t, f.store, delivery.PlatformGoodera, storetest.Base)

	res := f.exec.Attempt(context.Background(), c)

	assert.Equal(t, delivery.OutcomePermanentFailure, res.Outcome)
	assert.Equal(t, delivery.StatusExhausted, res.Status)
	assert.Contains(t, res.Detail, "metrics not computed")
	assert.Len(t, f.bodies, 0, "nothing is sent when the payload cannot be built")
	assert.Equal(t, delivery.StatusExhausted, f.get(t, d.ID).Status)
}

func TestAttemptSharedPartnerReference(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(partner.ReferenceHeader, "batch-42")
		w.WriteHeader(http.StatusAccepted)
	}, nil)
	for i := 0; i < 2; i++ {
		d := storetest.Seed(t, f.store, "acme", delivery.PlatformBenevity, "2026-09", 5)
		c := storetest.ClaimOne(t, f.store, delivery.PlatformBenevity, storetest.Base)

		res := f.exec.Attempt(context.Background(), c)

		require.True(t, res.Recorded(), "attempt %d: %v", i+1, res.StoreErr)
		assert.Equal(t, delivery.StatusDelivered, res.Status)
		got := f.get(t, d.ID)
		assert.Equal(t, delivery.StatusDelivered, got.Status)
		assert.Equal(t, "batch-42", got.PartnerRef)
		assert.Len(t, f.attempts(t, d.ID), 1)
	}
}

func TestAttemptMetricsOutageIsTransient(t *testing.T) {
	metricsAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "recomputing", http.StatusServiceUnavailable)
	}))
	defer metricsAPI.Close()

	f := newFixture(t, status(http.StatusOK), payload.NewMetricsSource(metricsAPI.URL, time.Second))
	d := storetest.Seed(t, f.store, "acme", delivery.PlatformGoodera, "2026-09", 5)
	c := storetest.ClaimOne(t, f.store, delivery.PlatformGoodera, storetest.Base)

	res := f.exec.Attempt(context.Background(), c)

	assert.Equal(t, delivery.OutcomeTransientFailure, res.Outcome)
	assert.Equal(t, delivery.StatusFailed, res.Status)
	require.NotNil(t, res.NextAttemptAt)
	assert.Contains(t, res.Detail, "returned 503")
	assert.Len(t, f.bodies, 0)
	assert.Empty(t, f.events.Messages(dlqTopic))
	assert.Empty(t, f.get(t, d.ID).PayloadSnapshotRef)
}

func TestAttemptTimeout(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, nil)
	storetest.Seed(t, f.store, "acme", delivery.PlatformBenevity, "2026-09", 5)
	c := storetest.ClaimOne(t, f.store, delivery.PlatformBenevity, storetest.Base)

	res := f.exec.Attempt(context.Background(), c)

	assert.Equal(t, delivery.OutcomeTimeout, res.Outcome)
	assert.Equal(t, delivery.StatusFailed, res.Status)
}

func TestAttemptLostClaimIsDiscarded(t *testing.T) {
	f := newFixture(t, status(http.StatusOK), nil)
	d := storetest.Seed(t, f.store, "acme", delivery.PlatformBenevity, "2026-09", 5)
	c := storetest.ClaimOne(t, f.store, delivery.PlatformBenevity, storetest.Base)

	// The sweep takes the delivery away while the executor is still working.
	_, err := f.store.ReclaimStuck(context.Background(), storetest.Base.Add(time.Hour), 10,
		func(d delivery.Delivery) (delivery.Attempt, delivery.Transition) {
			next := storetest.Base.Add(time.Hour)
			return delivery.Attempt{
					DeliveryID: d.ID, Cycle: d.Cycle, AttemptNumber: d.AttemptCount,
					StartedAt: storetest.Base, EndedAt: storetest.Base, Outcome: delivery.OutcomeTransientFailure,
					ErrorDetail: "reclaimed", Source: delivery.SourceReclaim,
				}, delivery.Transition{
					Status: delivery.StatusFailed, NextAttemptAt: &next,
					LastError: &delivery.ErrorSummary{Outcome: delivery.OutcomeTransientFailure, Message: "reclaimed"},
				}
		})
	require.NoError(t, err)

	res := f.exec.Attempt(context.Background(), c)

	assert.True(t, res.Conflict)
	assert.False(t, res.Recorded())
	assert.Empty(t, res.Status)

	got := f.get(t, d.ID)
	assert.Equal(t, delivery.StatusFailed, got.Status)
	as := f.attempts(t, d.ID)
	require.Len(t, as, 1)
	assert.Equal(t, delivery.SourceReclaim, as[0].Source)
}

func TestAttemptReusesSnapshotAfterReplay(t *testing.T) {
	f := newFixture(t, status(http.StatusOK), nil)
	d := storetest.Seed(t, f.store, "acme", delivery.PlatformGoodera, "2026-09", 5)
	c := storetest.ClaimOne(t, f.store, delivery.PlatformGoodera, storetest.Base)
	first := f.exec.Attempt(context.Background(), c)
	require.Equal(t, delivery.StatusDelivered, first.Status)
	sent := <-f.bodies
	before := f.get(t, d.ID).PayloadSnapshotRef

	_, err := f.store.ReplayDelivery(context.Background(), d.ID, delivery.ReplayAudit{
		InitiatedBy: "ops", Reason: "partner lost data", ReuseSnapshot: true,
	}, f.now)
	require.NoError(t, err)

	c = storetest.ClaimOne(t, f.store, delivery.PlatformGoodera, f.now)
	require.True(t, c.ReuseSnapshot)
	require.Equal(t, 2, c.Cycle)
	res := f.exec.Attempt(context.Background(), c)

	require.Equal(t, delivery.StatusDelivered, res.Status)
	assert.Equal(t, int32(1), f.builds.Load(), "the replayed attempt resends the snapshot")
	assert.Equal(t, sent, <-f.bodies)
	after := f.get(t, d.ID)
	assert.Equal(t, before, after.PayloadSnapshotRef)
	assert.False(t, after.ReuseSnapshot)
}

func TestAttemptRebuildsWithoutReuse(t *testing.T) {
	f := newFixture(t, status(http.StatusOK), nil)
	d := storetest.Seed(t, f.store, "acme", delivery.PlatformGoodera, "2026-09", 5)
	c := storetest.ClaimOne(t, f.store, delivery.PlatformGoodera, storetest.Base)
	f.exec.Attempt(context.Background(), c)

	_, err := f.store.ReplayDelivery(context.Background(), d.ID, delivery.ReplayAudit{InitiatedBy: "ops"}, f.now)
	require.NoError(t, err)
	c = storetest.ClaimOne(t, f.store, delivery.PlatformGoodera, f.now)
	f.exec.Attempt(context.Background(), c)

	assert.Equal(t, int32(2), f.builds.Load())
}
