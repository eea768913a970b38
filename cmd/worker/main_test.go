package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/impact_relay/internal/app"
	"github.com/austindbirch/impact_relay/internal/config"
	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/delivery/storetest"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/partner"
	"github.com/austindbirch/impact_relay/internal/payload"
	"github.com/austindbirch/impact_relay/internal/signature"
	"github.com/austindbirch/impact_relay/internal/sla"
	"github.com/austindbirch/impact_relay/internal/store/sqlite"
)

const partnerSecret = "benevity-secret"

type partnerStub struct {
	status   int
	requests atomic.Int32
	verified atomic.Int32
}

func (p *partnerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.requests.Add(1)
	body, _ := io.ReadAll(r.Body)
	err := signature.Verify(partnerSecret, body,
		r.Header.Get(signature.DefaultSignatureHeader),
		r.Header.Get(signature.DefaultTimestampHeader),
		time.Now(), 5*time.Minute)
	if err == nil {
		p.verified.Add(1)
	}
	w.Header().Set(partner.ReferenceHeader, "bnv-123")
	w.WriteHeader(p.status)
}

type harness struct {
	cfg   config.Config
	store *sqlite.Store
	pub   *events.Memory
	stub  *partnerStub
	w     *worker
}

func newHarness(t *testing.T, partnerStatus int) *harness {
	t.Helper()
	stub := &partnerStub{status: partnerStatus}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	cfg := config.FromEnv()
	cfg.DB.Driver = "sqlite"
	cfg.DB.SQLitePath = filepath.Join(t.TempDir(), "worker.db")
	pc := cfg.Platforms[delivery.PlatformBenevity]
	pc.Endpoint = srv.URL
	pc.Secret = partnerSecret
	pc.Timeout = 5 * time.Second
	cfg.Platforms[delivery.PlatformBenevity] = pc

	st := sqlite.OpenTestStore(t)
	pub := &events.Memory{}
	logger := logging.NewWithWriter("test", io.Discard)
	w := newWorker(cfg, st, partner.NewClient(app.Endpoints(cfg)),
		payload.Static(map[string]any{"volunteer_hours": 120}),
		pub, sla.NewStoreLedger(st), logger)
	return &harness{cfg: cfg, store: st, pub: pub, stub: stub, w: w}
}

func TestWorkerDeliversDueDelivery(t *testing.T) {
	h := newHarness(t, http.StatusAccepted)
	d := storetest.Seed(t, h.store, "acme", delivery.PlatformBenevity, "2026-Q3", 3)

	res, err := h.w.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total())
	h.w.scheduler.Wait()

	got, err := h.store.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	assert.Equal(t, "bnv-123", got.PartnerRef)
	assert.EqualValues(t, 1, h.stub.requests.Load())
	assert.EqualValues(t, 1, h.stub.verified.Load())
}

func TestWorkerPublishesDeadLetterOnPermanentFailure(t *testing.T) {
	h := newHarness(t, http.StatusUnprocessableEntity)
	d := storetest.Seed(t, h.store, "acme", delivery.PlatformBenevity, "2026-Q3", 3)

	_, err := h.w.scheduler.Tick(context.Background())
	require.NoError(t, err)
	h.w.scheduler.Wait()

	got, err := h.store.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusExhausted, got.Status)
	require.Len(t, h.pub.Messages(h.cfg.NSQ.DLQTopic), 1)
}

func TestWorkerSchedulesRetryOnTransientFailure(t *testing.T) {
	h := newHarness(t, http.StatusServiceUnavailable)
	d := storetest.Seed(t, h.store, "acme", delivery.PlatformBenevity, "2026-Q3", 3)

	_, err := h.w.scheduler.Tick(context.Background())
	require.NoError(t, err)
	h.w.scheduler.Wait()

	got, err := h.store.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusFailed, got.Status)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, got.NextAttemptAt.After(time.Now()))

	// Not yet due again.
	res, err := h.w.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total())
}

func TestWorkerMonitorAlertsOnce(t *testing.T) {
	h := newHarness(t, http.StatusAccepted)
	// Ready at storetest.Base, well past the default 24h breach on the wall clock.
	storetest.Seed(t, h.store, "acme", delivery.PlatformGoodera, "2026-Q3", 3)

	res, err := h.w.monitor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerts)

	res, err = h.w.monitor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Alerts)

	msgs := h.pub.Messages(h.cfg.NSQ.SLATopic)
	require.Len(t, msgs, 1)
	var a sla.Alert
	require.NoError(t, json.Unmarshal(msgs[0].Message.Data, &a))
	assert.Equal(t, sla.Breached, a.Classification)
}

func TestAttemptTimeout(t *testing.T) {
	cfg := config.FromEnv()
	cfg.Scheduler.StuckTimeout = 10 * time.Minute
	assert.Equal(t, 60*time.Second, attemptTimeout(cfg))

	pc := cfg.Platforms[delivery.PlatformGoodera]
	pc.Timeout = 20 * time.Minute
	cfg.Platforms[delivery.PlatformGoodera] = pc
	assert.Equal(t, 5*time.Minute, attemptTimeout(cfg))
}
