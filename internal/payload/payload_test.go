package payload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

func testRequest(p delivery.Platform) Request {
	return Request{
		DeliveryID:     "dlv_1",
		TenantID:       "acme",
		Platform:       p,
		Period:         "2026-09",
		IdempotencyKey: "dlv_1:1",
	}
}

func TestEnvelopeShapes(t *testing.T) {
	tests := []struct {
		platform delivery.Platform
		tenant   string
		period   string
		metrics  string
	}{
		{delivery.PlatformBenevity, "company_id", "reporting_period", "impact"},
		{delivery.PlatformGoodera, "client_id", "period", "metrics"},
		{delivery.PlatformYourCause, "organization_id", "fiscal_period", "outcomes"},
	}
	for _, tt := range tests {
		t.Run(string(tt.platform), func(t *testing.T) {
			m, err := structpb.NewStruct(map[string]any{"volunteer_hours": 120})
			require.NoError(t, err)

			env, err := Envelope(testRequest(tt.platform), m)
			require.NoError(t, err)

			got := env.AsMap()
			assert.Equal(t, "acme", got[tt.tenant])
			assert.Equal(t, "2026-09", got[tt.period])
			assert.Equal(t, "dlv_1:1", got["idempotency_key"])
			assert.Equal(t, map[string]any{"volunteer_hours": float64(120)}, got[tt.metrics])
		})
	}

	_, err := Envelope(testRequest("unknown"), nil)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	calls := map[string]int{}
	mk := func(name string) Builder {
		return Func(func(ctx context.Context, req Request) (*structpb.Struct, error) {
			calls[name]++
			return structpb.NewStruct(map[string]any{"by": name})
		})
	}

	r := NewRegistry(mk("default"))
	r.Register(delivery.PlatformGoodera, mk("goodera"))

	s, err := r.Build(context.Background(), testRequest(delivery.PlatformGoodera))
	require.NoError(t, err)
	assert.Equal(t, "goodera", s.AsMap()["by"])

	s, err = r.Build(context.Background(), testRequest(delivery.PlatformBenevity))
	require.NoError(t, err)
	assert.Equal(t, "default", s.AsMap()["by"])

	_, err = NewRegistry(nil).Build(context.Background(), testRequest(delivery.PlatformBenevity))
	assert.Error(t, err)
}

func TestStaticAndMarshal(t *testing.T) {
	s, err := Static(map[string]any{"donations": 42.5}).Build(context.Background(), testRequest(delivery.PlatformBenevity))
	require.NoError(t, err)

	body, err := Marshal(s)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "acme", decoded["company_id"])
	assert.Equal(t, map[string]any{"donations": 42.5}, decoded["impact"])

	_, err = Marshal(nil)
	assert.Error(t, err)
}

func TestRequestFor(t *testing.T) {
	d, err := delivery.New(delivery.NewRequest{
		TenantID: "acme", Platform: delivery.PlatformYourCause, Period: "2026-Q3", MaxAttempts: 3,
	}, time.Now())
	require.NoError(t, err)
	d.Cycle = 2

	req := RequestFor(d)
	assert.Equal(t, d.ID, req.DeliveryID)
	assert.Equal(t, d.ID+":2", req.IdempotencyKey)
	assert.Equal(t, delivery.PlatformYourCause, req.Platform)
}

func TestMetricsSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tenants/acme/impact":
			if r.URL.Query().Get("period") != "2026-09" {
				http.Error(w, "bad period", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"volunteer_hours": 310, "grants": {"count": 4}}`))
		case "/tenants/broken/impact":
			_, _ = w.Write([]byte(`not json`))
		case "/tenants/busy/impact":
			http.Error(w, "recomputing", http.StatusServiceUnavailable)
		default:
			http.Error(w, "unknown tenant", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := NewMetricsSource(srv.URL+"/", time.Second)

	s, err := src.Build(context.Background(), testRequest(delivery.PlatformGoodera))
	require.NoError(t, err)
	metrics := s.AsMap()["metrics"].(map[string]any)
	assert.Equal(t, float64(310), metrics["volunteer_hours"])

	req := testRequest(delivery.PlatformGoodera)
	req.TenantID = "nobody"
	_, err = src.Build(context.Background(), req)
	assert.ErrorContains(t, err, "returned 404")
	var te *delivery.TransientDeliveryError
	assert.False(t, errors.As(err, &te), "a missing tenant is not retried")

	req.TenantID = "busy"
	_, err = src.Build(context.Background(), req)
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Error(), "returned 503")

	req.TenantID = "broken"
	_, err = src.Build(context.Background(), req)
	assert.ErrorContains(t, err, "decode metrics")
}

func TestMetricsSourceContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMetricsSource(srv.URL, time.Second).Build(ctx, testRequest(delivery.PlatformBenevity))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	var te *delivery.TransientDeliveryError
	assert.ErrorAs(t, err, &te)
}

func TestMetricsSourceTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := NewMetricsSource(srv.URL, 50*time.Millisecond).Build(context.Background(), testRequest(delivery.PlatformBenevity))
	var te *delivery.TransientDeliveryError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Timeout)
}
