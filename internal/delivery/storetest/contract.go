// Package storetest is a contract suite every delivery.Store must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

// Factory returns an empty, migrated store for one subtest.
type Factory func(t *testing.T) delivery.Store

// Base is the fixed clock of the contract; seeded deliveries are ready at Base.
var Base = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, newStore(t)) })
	t.Run("ClaimDue", func(t *testing.T) { testClaimDue(t, newStore(t)) })
	t.Run("ClaimIsExclusive", func(t *testing.T) { testClaimIsExclusive(t, newStore(t)) })
	t.Run("CompleteAttempt", func(t *testing.T) { testCompleteAttempt(t, newStore(t)) })
	t.Run("TransientUntilExhausted", func(t *testing.T) { testTransientUntilExhausted(t, newStore(t)) })
	t.Run("ReclaimStuck", func(t *testing.T) { testReclaimStuck(t, newStore(t)) })
	t.Run("Replay", func(t *testing.T) { testReplay(t, newStore(t)) })
	t.Run("ApplyConfirmation", func(t *testing.T) { testApplyConfirmation(t, newStore(t)) })
	t.Run("SharedPartnerRef", func(t *testing.T) { testSharedPartnerRef(t, newStore(t)) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, newStore(t)) })
	t.Run("SLAQueries", func(t *testing.T) { testSLAQueries(t, newStore(t)) })
	t.Run("Timeline", func(t *testing.T) { testTimeline(t, newStore(t)) })
}

// Seed inserts a PENDING delivery due at Base.
func Seed(t *testing.T, s delivery.Store, tenant string, p delivery.Platform, period string, maxAttempts int) *delivery.Delivery {
	t.Helper()
	d, err := delivery.New(delivery.NewRequest{
		TenantID: tenant, Platform: p, Period: period, ReadyAt: Base, MaxAttempts: maxAttempts,
	}, Base)
	require.NoError(t, err)
	require.NoError(t, s.CreateDelivery(context.Background(), d))
	return d
}

// ClaimOne claims exactly one due delivery of p at now.
func ClaimOne(t *testing.T, s delivery.Store, p delivery.Platform, now time.Time) delivery.Delivery {
	t.Helper()
	claimed, err := s.ClaimDue(context.Background(), delivery.ClaimRequest{Platform: p, Limit: 1, Now: now, Owner: "test"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func attemptFor(d delivery.Delivery, o delivery.Outcome, status int, at time.Time) delivery.Attempt {
	return delivery.Attempt{
		DeliveryID:    d.ID,
		Cycle:         d.Cycle,
		AttemptNumber: d.AttemptCount,
		StartedAt:     at,
		EndedAt:       at.Add(time.Second),
		Outcome:       o,
		HTTPStatus:    status,
		Source:        delivery.SourceExecutor,
	}
}

func testCreateAndGet(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	d := Seed(t, s, "acme", delivery.PlatformBenevity, "2026-Q3", 5)

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, delivery.PlatformBenevity, got.Platform)
	assert.Equal(t, delivery.StatusPending, got.Status)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, 1, got.Cycle)
	assert.True(t, Base.Equal(got.ReadyAt))
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, Base.Equal(*got.NextAttemptAt))
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.LastError)
	assert.Equal(t, d.ID, got.ExternalRef)

	_, err = s.GetDelivery(ctx, "dlv_missing")
	assert.True(t, delivery.IsNotFound(err))

	err = s.CreateDelivery(ctx, d)
	assert.True(t, delivery.IsValidation(err), "duplicate insert: %v", err)
}

func testListFilters(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	Seed(t, s, "acme", delivery.PlatformBenevity, "2026-01", 5)
	Seed(t, s, "acme", delivery.PlatformGoodera, "2026-02", 5)
	Seed(t, s, "globex", delivery.PlatformBenevity, "2026-03", 5)

	tests := []struct {
		name string
		q    delivery.Query
		want int
	}{
		{"all", delivery.Query{}, 3},
		{"tenant", delivery.Query{TenantID: "acme"}, 2},
		{"platform", delivery.Query{Platform: delivery.PlatformBenevity}, 2},
		{"tenant and platform", delivery.Query{TenantID: "acme", Platform: delivery.PlatformGoodera}, 1},
		{"status", delivery.Query{Statuses: []delivery.Status{delivery.StatusPending}}, 3},
		{"other status", delivery.Query{Statuses: []delivery.Status{delivery.StatusExhausted, delivery.StatusFailed}}, 0},
		{"period range", delivery.Query{PeriodFrom: "2026-02", PeriodTo: "2026-03"}, 2},
		{"exact period", delivery.Query{Period: "2026-01"}, 1},
		{"limit", delivery.Query{Limit: 2}, 2},
		{"offset", delivery.Query{Limit: 2, Offset: 2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListDeliveries(ctx, tt.q)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func testClaimDue(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	due := Seed(t, s, "acme", delivery.PlatformBenevity, "2026-01", 3)
	Seed(t, s, "acme", delivery.PlatformGoodera, "2026-01", 3)

	// Not claimable: a FAILED delivery whose retry time is in the future.
	later := Seed(t, s, "acme", delivery.PlatformBenevity, "2026-02", 3)
	c := ClaimOne(t, s, delivery.PlatformBenevity, Base)
	require.Contains(t, []string{due.ID, later.ID}, c.ID)
	next := Base.Add(time.Hour)
	require.NoError(t, s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomeTransientFailure, 503, Base),
		delivery.Transition{Status: delivery.StatusFailed, NextAttemptAt: &next, LastError: &delivery.ErrorSummary{Outcome: delivery.OutcomeTransientFailure, HTTPStatus: 503}}))

	claimed, err := s.ClaimDue(ctx, delivery.ClaimRequest{Platform: delivery.PlatformBenevity, Limit: 10, Now: Base.Add(time.Minute), Owner: "w1"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	got := claimed[0]
	assert.NotEqual(t, c.ID, got.ID)
	assert.Equal(t, delivery.StatusInFlight, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "w1", got.ClaimedBy)
	assert.NotEmpty(t, got.ClaimToken)
	require.NotNil(t, got.ClaimedAt)
	assert.Nil(t, got.NextAttemptAt)

	// Nothing else is due for benevity until the retry time passes.
	claimed, err = s.ClaimDue(ctx, delivery.ClaimRequest{Platform: delivery.PlatformBenevity, Limit: 10, Now: Base.Add(time.Minute)})
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = s.ClaimDue(ctx, delivery.ClaimRequest{Platform: delivery.PlatformBenevity, Limit: 10, Now: next})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, c.ID, claimed[0].ID)
	assert.Equal(t, 2, claimed[0].AttemptCount)

	claimed, err = s.ClaimDue(ctx, delivery.ClaimRequest{Platform: delivery.PlatformGoodera, Limit: 0, Now: next})
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func testClaimIsExclusive(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	const total = 24
	for i := 0; i < total; i++ {
		Seed(t, s, fmt.Sprintf("tenant-%d", i), delivery.PlatformYourCause, "2026-09", 3)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				claimed, err := s.ClaimDue(ctx, delivery.ClaimRequest{
					Platform: delivery.PlatformYourCause, Limit: 3, Now: Base, Owner: fmt.Sprintf("w%d", w),
				})
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, d := range claimed {
					seen[d.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "delivery %s claimed %d times", id, n)
	}
}

func testCompleteAttempt(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	Seed(t, s, "acme", delivery.PlatformGoodera, "2026-09", 3)
	c := ClaimOne(t, s, delivery.PlatformGoodera, Base)

	done := Base.Add(2 * time.Second)
	stale := delivery.Claim{DeliveryID: c.ID, Token: "not-the-token"}
	staleSnap := &delivery.Snapshot{ID: "snp_stale", DeliveryID: c.ID, Cycle: 1, AttemptNumber: 1, Body: []byte(`{}`), CreatedAt: Base}
	err := s.CompleteAttempt(ctx, stale, attemptFor(c, delivery.OutcomeSuccess, 200, Base),
		delivery.Transition{Status: delivery.StatusDelivered, CompletedAt: &done, SnapshotRef: staleSnap.ID, Snapshot: staleSnap})
	assert.ErrorIs(t, err, delivery.ErrConcurrencyConflict)
	_, err = s.GetSnapshot(ctx, staleSnap.ID)
	assert.True(t, delivery.IsNotFound(err), "a lost claim leaves no snapshot behind")

	snap := &delivery.Snapshot{ID: "snp_1", DeliveryID: c.ID, Cycle: 1, AttemptNumber: 1, Body: []byte(`{"volunteer_hours":7}`), CreatedAt: Base}
	err = s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomeSuccess, 202, Base),
		delivery.Transition{Status: delivery.StatusDelivered, CompletedAt: &done, PartnerRef: "bnv-123", SnapshotRef: snap.ID, Snapshot: snap})
	require.NoError(t, err)

	got, err := s.GetDelivery(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
	assert.Equal(t, c.ID, got.ExternalRef)
	assert.Equal(t, "bnv-123", got.PartnerRef)
	assert.Equal(t, "snp_1", got.PayloadSnapshotRef)
	assert.Empty(t, got.ClaimToken)

	saved, err := s.GetSnapshot(ctx, "snp_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"volunteer_hours":7}`, string(saved.Body))

	// A second completion on the same claim loses.
	err = s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomeSuccess, 200, Base), delivery.Transition{Status: delivery.StatusDelivered, CompletedAt: &done})
	assert.ErrorIs(t, err, delivery.ErrConcurrencyConflict)

	attempts, err := s.ListAttempts(ctx, delivery.TimelineQuery{DeliveryID: c.ID})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, delivery.OutcomeSuccess, attempts[0].Outcome)
	assert.Equal(t, 202, attempts[0].HTTPStatus)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 1, attempts[0].Cycle)
}

func testTransientUntilExhausted(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	d := Seed(t, s, "acme", delivery.PlatformBenevity, "2026-09", 3)
	b := delivery.Backoff{Base: time.Minute, Cap: time.Hour}

	now := Base
	var statuses []delivery.Status
	for i := 0; i < 3; i++ {
		c := ClaimOne(t, s, delivery.PlatformBenevity, now)
		require.Equal(t, d.ID, c.ID)
		require.LessOrEqual(t, c.AttemptCount, c.MaxAttempts)

		tr := delivery.Decide(&c, delivery.OutcomeTransientFailure, 503, "partner returned 503", now, b)
		require.NoError(t, s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomeTransientFailure, 503, now), tr))
		statuses = append(statuses, tr.Status)
		if tr.NextAttemptAt != nil {
			now = *tr.NextAttemptAt
		}
	}
	assert.Equal(t, []delivery.Status{delivery.StatusFailed, delivery.StatusFailed, delivery.StatusExhausted}, statuses)

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusExhausted, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Nil(t, got.NextAttemptAt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, 503, got.LastError.HTTPStatus)

	claimed, err := s.ClaimDue(ctx, delivery.ClaimRequest{Platform: delivery.PlatformBenevity, Limit: 10, Now: now.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, claimed, "exhausted deliveries are never claimed")

	attempts, err := s.ListAttempts(ctx, delivery.TimelineQuery{DeliveryID: d.ID})
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}
}

func testReclaimStuck(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	Seed(t, s, "acme", delivery.PlatformGoodera, "2026-09", 2)
	c := ClaimOne(t, s, delivery.PlatformGoodera, Base)

	fn := func(d delivery.Delivery) (delivery.Attempt, delivery.Transition) {
		a := attemptFor(d, delivery.OutcomeTransientFailure, 0, *d.ClaimedAt)
		a.Source = delivery.SourceReclaim
		a.ErrorDetail = "attempt stuck in flight"
		return a, delivery.Decide(&d, delivery.OutcomeTransientFailure, 0, a.ErrorDetail, Base.Add(time.Hour), delivery.Backoff{Base: time.Minute, Cap: time.Hour})
	}

	reclaimed, err := s.ReclaimStuck(ctx, Base.Add(-time.Minute), 10, fn)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "claimed after the cutoff")

	reclaimed, err = s.ReclaimStuck(ctx, Base.Add(10*time.Minute), 10, fn)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, c.ID, reclaimed[0].ID)
	assert.Equal(t, delivery.StatusFailed, reclaimed[0].Status)
	assert.Empty(t, reclaimed[0].ClaimToken)

	// The original executor finishing late loses its claim.
	done := Base.Add(2 * time.Hour)
	err = s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomeSuccess, 200, Base), delivery.Transition{Status: delivery.StatusDelivered, CompletedAt: &done})
	assert.ErrorIs(t, err, delivery.ErrConcurrencyConflict)

	attempts, err := s.ListAttempts(ctx, delivery.TimelineQuery{DeliveryID: c.ID})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, delivery.SourceReclaim, attempts[0].Source)
}

func testReplay(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	Seed(t, s, "acme", delivery.PlatformBenevity, "2026-09", 1)
	c := ClaimOne(t, s, delivery.PlatformBenevity, Base)

	_, err := s.ReplayDelivery(ctx, c.ID, delivery.ReplayAudit{InitiatedBy: "ops"}, Base)
	assert.ErrorIs(t, err, delivery.ErrConcurrencyConflict, "in-flight deliveries are not replayed")

	tr := delivery.Decide(&c, delivery.OutcomePermanentFailure, 422, "unprocessable", Base, delivery.DefaultBackoff())
	require.NoError(t, s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomePermanentFailure, 422, Base), tr))

	replayAt := Base.Add(time.Hour)
	got, err := s.ReplayDelivery(ctx, c.ID, delivery.ReplayAudit{InitiatedBy: "ops@example.com", Reason: "partner fixed schema", ReuseSnapshot: true}, replayAt)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, 2, got.Cycle)
	assert.True(t, got.ReuseSnapshot)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, replayAt.Equal(*got.NextAttemptAt))
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, Base.Equal(got.ReadyAt), "replay keeps the SLA clock")

	replays, err := s.ListReplays(ctx, delivery.TimelineQuery{DeliveryID: c.ID})
	require.NoError(t, err)
	require.Len(t, replays, 1)
	assert.Equal(t, "ops@example.com", replays[0].InitiatedBy)
	assert.Equal(t, "partner fixed schema", replays[0].Reason)
	assert.Equal(t, delivery.StatusExhausted, replays[0].PreviousStatus)
	assert.Equal(t, 2, replays[0].Cycle)

	// History of the first cycle survives; the new cycle numbers from 1.
	c2 := ClaimOne(t, s, delivery.PlatformBenevity, replayAt)
	assert.Equal(t, 1, c2.AttemptCount)
	assert.Equal(t, 2, c2.Cycle)
	done := replayAt.Add(time.Second)
	require.NoError(t, s.CompleteAttempt(ctx, delivery.ClaimOf(&c2), attemptFor(c2, delivery.OutcomeSuccess, 200, replayAt), delivery.Transition{Status: delivery.StatusDelivered, CompletedAt: &done}))

	attempts, err := s.ListAttempts(ctx, delivery.TimelineQuery{DeliveryID: c.ID})
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Cycle)
	assert.Equal(t, 2, attempts[1].Cycle)

	_, err = s.ReplayDelivery(ctx, "dlv_missing", delivery.ReplayAudit{InitiatedBy: "ops"}, Base)
	assert.True(t, delivery.IsNotFound(err))
}

func testApplyConfirmation(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	d := Seed(t, s, "acme", delivery.PlatformGoodera, "2026-09", 3)
	at := Base.Add(time.Minute)

	confirm := func(cur delivery.Delivery) (*delivery.Attempt, *delivery.Transition, error) {
		if cur.Status.Terminal() {
			return nil, nil, nil
		}
		a := attemptFor(cur, delivery.OutcomeSuccess, 0, at)
		a.AttemptNumber = cur.AttemptCount + 1
		a.Source = delivery.SourceConfirmation
		return &a, &delivery.Transition{Status: delivery.StatusDelivered, CompletedAt: &at}, nil
	}

	got, applied, err := s.ApplyConfirmation(ctx, delivery.PlatformGoodera, d.ExternalRef, confirm)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.CompletedAt)

	got, applied, err = s.ApplyConfirmation(ctx, delivery.PlatformGoodera, d.ExternalRef, confirm)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, delivery.StatusDelivered, got.Status)

	attempts, err := s.ListAttempts(ctx, delivery.TimelineQuery{DeliveryID: d.ID})
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	_, _, err = s.ApplyConfirmation(ctx, delivery.PlatformBenevity, d.ExternalRef, confirm)
	assert.True(t, delivery.IsNotFound(err), "lookup is scoped to the platform")
}

func testSharedPartnerRef(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	at := Base.Add(time.Minute)
	var ids []string
	for i := 0; i < 2; i++ {
		Seed(t, s, "acme", delivery.PlatformBenevity, "2026-09", 3)
		c := ClaimOne(t, s, delivery.PlatformBenevity, Base)
		require.NoError(t, s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomeSuccess, 202, Base),
			delivery.Transition{Status: delivery.StatusDelivered, CompletedAt: &at, PartnerRef: "batch-42"}))
		ids = append(ids, c.ID)
	}
	for _, id := range ids {
		got, err := s.GetDelivery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, delivery.StatusDelivered, got.Status)
		assert.Equal(t, "batch-42", got.PartnerRef)
		assert.Equal(t, id, got.ExternalRef)
	}

	noop := func(delivery.Delivery) (*delivery.Attempt, *delivery.Transition, error) { return nil, nil, nil }
	_, _, err := s.ApplyConfirmation(ctx, delivery.PlatformBenevity, "batch-42", noop)
	var ve *delivery.ValidationError
	assert.ErrorAs(t, err, &ve)

	Seed(t, s, "acme", delivery.PlatformBenevity, "2026-10", 3)
	c := ClaimOne(t, s, delivery.PlatformBenevity, Base)
	require.NoError(t, s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomeSuccess, 202, Base),
		delivery.Transition{Status: delivery.StatusDelivered, CompletedAt: &at, PartnerRef: "bnv-77"}))
	got, applied, err := s.ApplyConfirmation(ctx, delivery.PlatformBenevity, "bnv-77", noop)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, c.ID, got.ID)
}

func testSnapshots(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	d := Seed(t, s, "acme", delivery.PlatformYourCause, "2026-09", 3)
	c := ClaimOne(t, s, delivery.PlatformYourCause, Base)

	snap := &delivery.Snapshot{DeliveryID: d.ID, Cycle: 1, AttemptNumber: 1, Body: []byte(`{"volunteer_hours":42}`), CreatedAt: Base}
	next := Base.Add(time.Minute)
	require.NoError(t, s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomeTransientFailure, 503, Base),
		delivery.Transition{Status: delivery.StatusFailed, NextAttemptAt: &next, Snapshot: snap}))
	require.NotEmpty(t, snap.ID)

	got, err := s.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"volunteer_hours":42}`, string(got.Body))
	assert.Equal(t, d.ID, got.DeliveryID)

	_, err = s.GetSnapshot(ctx, "snp_missing")
	assert.True(t, delivery.IsNotFound(err))
}

func testSLAQueries(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	open := Seed(t, s, "acme", delivery.PlatformBenevity, "2026-09", 3)
	delivered := Seed(t, s, "acme", delivery.PlatformGoodera, "2026-09", 3)
	c := ClaimOne(t, s, delivery.PlatformGoodera, Base)
	done := Base.Add(10 * time.Minute)
	require.NoError(t, s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomeSuccess, 200, Base), delivery.Transition{Status: delivery.StatusDelivered, CompletedAt: &done}))

	all, err := s.ListForSLA(ctx, delivery.SLAQuery{ReadyFrom: Base.Add(-time.Hour), ReadyTo: Base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	openOnly, err := s.ListForSLA(ctx, delivery.SLAQuery{ReadyTo: Base.Add(time.Hour), OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, openOnly, 1)
	assert.Equal(t, open.ID, openOnly[0].ID)

	none, err := s.ListForSLA(ctx, delivery.SLAQuery{ReadyFrom: Base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)

	page, err := s.ListForSLA(ctx, delivery.SLAQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	rest, err := s.ListForSLA(ctx, delivery.SLAQuery{After: &delivery.SLACursor{ReadyAt: page[0].ReadyAt, ID: page[0].ID}})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.NotEqual(t, page[0].ID, rest[0].ID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	byKey := map[string]int{}
	for _, c := range counts {
		byKey[string(c.Platform)+"/"+string(c.Status)] = c.Count
	}
	assert.Equal(t, 1, byKey["benevity/PENDING"])
	assert.Equal(t, 1, byKey["goodera/DELIVERED"])

	first, err := s.MarkSLAAlert(ctx, delivered.ID, "BREACHED", Base)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := s.MarkSLAAlert(ctx, delivered.ID, "BREACHED", Base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, again)
	other, err := s.MarkSLAAlert(ctx, delivered.ID, "AT_RISK", Base)
	require.NoError(t, err)
	assert.True(t, other)
}

func testTimeline(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	a := Seed(t, s, "acme", delivery.PlatformBenevity, "2026-09", 3)
	Seed(t, s, "globex", delivery.PlatformBenevity, "2026-09", 3)

	for i := 0; i < 2; i++ {
		c := ClaimOne(t, s, delivery.PlatformBenevity, Base.Add(time.Duration(i)*time.Hour))
		next := Base.Add(time.Duration(i+1) * time.Hour)
		require.NoError(t, s.CompleteAttempt(ctx, delivery.ClaimOf(&c), attemptFor(c, delivery.OutcomeTimeout, 0, Base.Add(time.Duration(i)*time.Hour)),
			delivery.Transition{Status: delivery.StatusFailed, NextAttemptAt: &next, LastError: &delivery.ErrorSummary{Outcome: delivery.OutcomeTimeout}}))
	}

	byTenant, err := s.ListAttempts(ctx, delivery.TimelineQuery{TenantID: "acme"})
	require.NoError(t, err)
	for _, at := range byTenant {
		assert.Equal(t, a.ID, at.DeliveryID)
	}

	all, err := s.ListAttempts(ctx, delivery.TimelineQuery{Platform: delivery.PlatformBenevity})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	windowed, err := s.ListAttempts(ctx, delivery.TimelineQuery{From: Base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, windowed, 1)

	limited, err := s.ListAttempts(ctx, delivery.TimelineQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
