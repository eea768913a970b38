package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/impact_relay/internal/auth"
	"github.com/austindbirch/impact_relay/internal/config"
	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/payload"
	"github.com/austindbirch/impact_relay/internal/sla"
	"github.com/austindbirch/impact_relay/internal/store/sqlite"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.FromEnv()
	cfg.DB.Driver = "sqlite"
	cfg.DB.SQLitePath = filepath.Join(t.TempDir(), "relay.db")
	cfg.NSQ.NsqdTCPAddr = ""
	return cfg
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := testConfig(t)
	st, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Ping(context.Background()))
	_, ok := st.(*sqlite.Store)
	assert.True(t, ok)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.Driver = "mongo"
	_, err := OpenStore(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestNewPublisherWithoutNSQ(t *testing.T) {
	p, stop, err := NewPublisher(testConfig(t))
	require.NoError(t, err)
	defer stop()
	assert.IsType(t, events.Nop{}, p)
}

func TestNewLedger(t *testing.T) {
	cfg := testConfig(t)
	st := sqlite.OpenTestStore(t)

	l, closeFn, err := NewLedger(context.Background(), cfg, st)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &sla.StoreLedger{}, l)

	cfg.SLA.AlertLedger = "redis"
	_, _, err = NewLedger(context.Background(), cfg, st)
	assert.ErrorContains(t, err, "REDIS_ADDR")

	mr := miniredis.RunT(t)
	cfg.Redis.Addr = mr.Addr()
	l, closeFn, err = NewLedger(context.Background(), cfg, st)
	require.NoError(t, err)
	defer closeFn()

	first, err := l.Mark(context.Background(), "dlv_1", sla.Breached, time.Now())
	require.NoError(t, err)
	assert.True(t, first)
	again, err := l.Mark(context.Background(), "dlv_1", sla.Breached, time.Now())
	require.NoError(t, err)
	assert.False(t, again)
}

func TestAuthenticator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJSONWebKey("k1", &key.PublicKey)}})
	}))
	defer jwks.Close()

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.OperatorFromContext(r.Context())
	})
	token, err := auth.IssueToken(key, "k1", "iss", "aud", "bob@example.com", "", time.Hour, time.Now())
	require.NoError(t, err)

	tests := []struct {
		name     string
		auth     config.Auth
		header   string
		operator string
		wantCode int
		wantOp   string
	}{
		{"disabled", config.Auth{Disabled: true}, "", "", http.StatusOK, AnonymousOperator},
		{"pem without token", config.Auth{PublicKeyPEM: pemKey, Issuer: "iss", Audience: "aud"}, "", "", http.StatusUnauthorized, ""},
		{"pem with token", config.Auth{PublicKeyPEM: pemKey, Issuer: "iss", Audience: "aud"}, "Bearer " + token, "", http.StatusOK, "bob@example.com"},
		{"jwks with token", config.Auth{JWKSURL: jwks.URL, Issuer: "iss", Audience: "aud"}, "Bearer " + token, "", http.StatusOK, "bob@example.com"},
		{"operator header ignored", config.Auth{PublicKeyPEM: pemKey, Issuer: "iss", Audience: "aud"}, "", "mallory", http.StatusUnauthorized, ""},
		{"operator header from trusted proxy", config.Auth{PublicKeyPEM: pemKey, Issuer: "iss", Audience: "aud", TrustProxyHeader: true}, "", "oncall", http.StatusOK, "oncall"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			cfg := testConfig(t)
			cfg.Auth = tt.auth
			mw, err := Authenticator(context.Background(), cfg, jwks.Client())
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/deliveries", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.operator != "" {
				req.Header.Set(auth.OperatorHeader, tt.operator)
			}
			rec := httptest.NewRecorder()
			mw(next).ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantOp, seen)
		})
	}

	_, err = Authenticator(context.Background(), testConfig(t), nil)
	assert.Error(t, err)
}

func TestPlatformMaps(t *testing.T) {
	cfg := testConfig(t)
	pc := cfg.Platforms[delivery.PlatformGoodera]
	pc.Endpoint = "https://goodera.example/impact"
	pc.Secret = "s3cret"
	pc.MaxAttempts = 3
	pc.Concurrency = 2
	pc.SLAWarn = time.Hour
	pc.SLABreach = 2 * time.Hour
	cfg.Platforms[delivery.PlatformGoodera] = pc

	eps := Endpoints(cfg)
	require.Len(t, eps, 1)
	assert.Equal(t, "https://goodera.example/impact", eps[delivery.PlatformGoodera].URL)
	assert.Equal(t, "s3cret", eps[delivery.PlatformGoodera].Secret)

	assert.Equal(t, map[delivery.Platform]string{delivery.PlatformGoodera: "s3cret"}, Secrets(cfg))
	assert.Equal(t, 3, MaxAttempts(cfg)[delivery.PlatformGoodera])
	assert.Equal(t, 5, MaxAttempts(cfg)[delivery.PlatformBenevity])
	assert.Equal(t, 2, Concurrency(cfg)[delivery.PlatformGoodera])
	assert.Equal(t, sla.Threshold{Warn: time.Hour, Breach: 2 * time.Hour}, Thresholds(cfg)[delivery.PlatformGoodera])
}

func TestPayloadBuilderWithoutMetricsAPI(t *testing.T) {
	cfg := testConfig(t)
	b := PayloadBuilder(cfg)
	d, err := delivery.New(delivery.NewRequest{TenantID: "acme", Platform: delivery.PlatformBenevity, Period: "2026-Q3", MaxAttempts: 3}, time.Now())
	require.NoError(t, err)

	s, err := b.Build(context.Background(), payload.RequestFor(d))
	require.NoError(t, err)
	assert.Equal(t, "acme", s.Fields["company_id"].GetStringValue())
}
