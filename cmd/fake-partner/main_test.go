package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/impact_relay/internal/config"
	"github.com/austindbirch/impact_relay/internal/confirm"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/partner"
	"github.com/austindbirch/impact_relay/internal/signature"
)

const secret = "partner-secret"

func newTestPartner(t *testing.T, cfg config.FakePartner) (*fakePartner, *httptest.Server) {
	t.Helper()
	p := newPartner(cfg, logging.NewWithWriter("fake-partner", io.Discard))
	srv := httptest.NewServer(p.routes())
	t.Cleanup(srv.Close)
	return p, srv
}

func postReport(t *testing.T, url, deliveryID, key string, now time.Time) *http.Response {
	t.Helper()
	body := []byte(`{"company_id":"acme","period":"2026-Q3"}`)
	sig, ts := signature.Sign(key, body, now)
	req, err := http.NewRequest(http.MethodPost, url+"/reports", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(signature.DefaultSignatureHeader, sig)
	req.Header.Set(signature.DefaultTimestampHeader, ts)
	if deliveryID != "" {
		req.Header.Set(partner.DeliveryHeader, deliveryID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestReportSignature(t *testing.T) {
	_, srv := newTestPartner(t, config.FakePartner{Secret: secret})

	tests := []struct {
		name string
		key  string
		at   time.Time
		want int
	}{
		{"valid", secret, time.Now(), http.StatusAccepted},
		{"wrong secret", "other", time.Now(), http.StatusUnauthorized},
		{"stale timestamp", secret, time.Now().Add(-time.Hour), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postReport(t, srv.URL, "dlv_1", tt.key, tt.at)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestFailFirstN(t *testing.T) {
	_, srv := newTestPartner(t, config.FakePartner{Secret: secret, FailFirstN: 2, FailStatus: http.StatusBadGateway})

	var got []int
	for i := 0; i < 3; i++ {
		got = append(got, postReport(t, srv.URL, "dlv_1", secret, time.Now()).StatusCode)
	}
	assert.Equal(t, []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusAccepted}, got)
}

func TestReferenceMatchesClassify(t *testing.T) {
	_, srv := newTestPartner(t, config.FakePartner{})

	resp := postReport(t, srv.URL, "dlv_42", secret, time.Now())
	assert.Equal(t, "dlv_42", resp.Header.Get(partner.ReferenceHeader))
	outcome, err := partner.Classify(partner.Response{StatusCode: resp.StatusCode}, nil)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", string(outcome))

	resp = postReport(t, srv.URL, "", secret, time.Now())
	assert.True(t, strings.HasPrefix(resp.Header.Get(partner.ReferenceHeader), "fp_"))
}

func TestCallbackPostsSignedConfirmation(t *testing.T) {
	var (
		mu       sync.Mutex
		received []confirm.Body
		paths    []string
	)
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		err := signature.Verify(secret, raw, r.Header.Get(signature.DefaultSignatureHeader), r.Header.Get(signature.DefaultTimestampHeader), time.Now(), time.Minute)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		var b confirm.Body
		_ = json.Unmarshal(raw, &b)
		mu.Lock()
		received = append(received, b)
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer relay.Close()

	p, srv := newTestPartner(t, config.FakePartner{Secret: secret, CallbackURL: relay.URL + "/", Platform: "goodera"})
	resp := postReport(t, srv.URL, "dlv_7", secret, time.Now())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	p.wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "dlv_7", received[0].ExternalRef)
	assert.Equal(t, "delivered", received[0].Status)
	assert.Equal(t, []string{"/webhooks/goodera"}, paths)
}

func TestCallbackReportsRelayRejection(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"unknown external reference"}`, http.StatusNotFound)
	}))
	defer relay.Close()

	p := newPartner(config.FakePartner{Secret: secret, CallbackURL: relay.URL}, logging.NewWithWriter("fake-partner", io.Discard))
	err := p.confirm(t.Context(), "dlv_missing", "delivered")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDefaults(t *testing.T) {
	p := newPartner(config.FakePartner{ResponseDelayMS: 250}, logging.NewWithWriter("fake-partner", io.Discard))
	assert.Equal(t, http.StatusServiceUnavailable, p.cfg.FailStatus)
	assert.Equal(t, "benevity", p.cfg.Platform)
	assert.Equal(t, 5*time.Minute, p.leeway)
	assert.Equal(t, 250*time.Millisecond, p.delay)
}
