package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/impact_relay/internal/app"
	"github.com/austindbirch/impact_relay/internal/auth"
	"github.com/austindbirch/impact_relay/internal/config"
	"github.com/austindbirch/impact_relay/internal/confirm"
	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/metrics"
	"github.com/austindbirch/impact_relay/internal/store/sqlite"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.FromEnv()
	cfg.DB.Driver = "sqlite"
	cfg.DB.SQLitePath = filepath.Join(t.TempDir(), "api.db")
	cfg.NSQ.NsqdTCPAddr = ""
	cfg.Auth.Disabled = true
	pc := cfg.Platforms[delivery.PlatformYourCause]
	pc.Secret = "yc-secret"
	pc.MaxAttempts = 2
	cfg.Platforms[delivery.PlatformYourCause] = pc
	return cfg
}

type harness struct {
	srv *httptest.Server
	pub *events.Memory
	cfg config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig(t)
	st := sqlite.OpenTestStore(t)
	pub := &events.Memory{}
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	s, err := newServer(cfg, st, pub, auth.Anonymous(app.AnonymousOperator), reg, logging.NewWithWriter("test", io.Discard))
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, pub: pub, cfg: cfg}
}

func (h *harness) post(t *testing.T, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestNewServerAppliesPlatformSettings(t *testing.T) {
	h := newHarness(t)

	resp, body := h.post(t, "/deliveries", []byte(`{"tenant_id":"acme","platform":"yourcause","period":"2026-Q3"}`), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var d delivery.Delivery
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(t, 2, d.MaxAttempts)
}

func TestRejectedConfirmationPublishesDeadLetter(t *testing.T) {
	h := newHarness(t)

	resp, body := h.post(t, "/deliveries", []byte(`{"tenant_id":"acme","platform":"yourcause","period":"2026-Q3"}`), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var d delivery.Delivery
	require.NoError(t, json.Unmarshal(body, &d))

	payload, sig, ts, err := confirm.Sign("yc-secret", confirm.Body{ExternalRef: d.ExternalRef, Status: "rejected", Detail: "unknown organization"}, time.Now())
	require.NoError(t, err)
	resp, body = h.post(t, "/webhooks/yourcause", payload, map[string]string{
		h.cfg.Webhook.SignatureHeader: sig,
		h.cfg.Webhook.TimestampHeader: ts,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"status":"EXHAUSTED"`)

	msgs := h.pub.Messages(h.cfg.NSQ.DLQTopic)
	require.Len(t, msgs, 1)
	var dl delivery.DeadLetter
	require.NoError(t, json.Unmarshal(msgs[0].Message.Data, &dl))
	assert.Equal(t, d.ID, dl.Delivery.ID)
	assert.Equal(t, "rejected", dl.Reason)
}

func TestWebhookWithoutSecretIsRejected(t *testing.T) {
	h := newHarness(t)

	payload, sig, ts, err := confirm.Sign("guess", confirm.Body{ExternalRef: "dlv_x", Status: "delivered"}, time.Now())
	require.NoError(t, err)
	resp, _ := h.post(t, "/webhooks/benevity", payload, map[string]string{
		h.cfg.Webhook.SignatureHeader: sig,
		h.cfg.Webhook.TimestampHeader: ts,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRunFailsOnUnreachableStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.SQLitePath = filepath.Join(t.TempDir(), "missing", "dir", "api.db")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := run(ctx, cfg, logging.NewWithWriter("test", io.Discard))
	assert.Error(t, err)
}
