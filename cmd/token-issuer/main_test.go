package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/impact_relay/internal/auth"
	"github.com/austindbirch/impact_relay/internal/logging"
)

func newTestIssuer(t *testing.T) (*issuer, *httptest.Server) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	iss := newIssuer(key, "test-kid", "impactrelay-token-issuer", "impactrelay-api", logging.NewWithWriter("token-issuer", io.Discard))
	srv := httptest.NewServer(iss.routes())
	t.Cleanup(srv.Close)
	return iss, srv
}

func requestToken(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url+"/token", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestIssuedTokenVerifiesAgainstJWKS(t *testing.T) {
	_, srv := newTestIssuer(t)

	resp, out := requestToken(t, srv.URL, tokenRequest{Operator: "alice@example.com", TenantID: "acme"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer", out["token_type"])
	assert.EqualValues(t, 3600, out["expires_in"])

	pub, err := auth.FetchJWKS(t.Context(), srv.Client(), srv.URL+"/.well-known/jwks.json", "test-kid")
	require.NoError(t, err)

	claims, err := auth.NewJWTValidatorFromKey(pub, "impactrelay-token-issuer", "impactrelay-api").ValidateToken(out["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", claims.Operator)
	assert.Equal(t, "acme", claims.TenantID)
}

func TestTokenRequestValidation(t *testing.T) {
	_, srv := newTestIssuer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing operator", tokenRequest{TenantID: "acme"}, http.StatusBadRequest},
		{"blank operator", tokenRequest{Operator: "  "}, http.StatusBadRequest},
		{"negative ttl", tokenRequest{Operator: "bob", TTL: -5}, http.StatusBadRequest},
		{"not an object", []string{"x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := requestToken(t, srv.URL, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestTTLIsCapped(t *testing.T) {
	_, srv := newTestIssuer(t)
	resp, out := requestToken(t, srv.URL, tokenRequest{Operator: "bob", TTL: int((48 * time.Hour).Seconds())})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 86400, out["expires_in"])
}

func TestHealthz(t *testing.T) {
	_, srv := newTestIssuer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "public, max-age=300", func() string {
		r, err := http.Get(srv.URL + "/.well-known/jwks.json")
		require.NoError(t, err)
		defer r.Body.Close()
		return r.Header.Get("Cache-Control")
	}())
}

func TestLoadKey(t *testing.T) {
	key, generated, err := loadKey("")
	require.NoError(t, err)
	assert.True(t, generated)

	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	parsed, generated, err := loadKey(string(pemKey))
	require.NoError(t, err)
	assert.False(t, generated)
	assert.True(t, key.Equal(parsed))

	_, _, err = loadKey("not a key")
	assert.Error(t, err)
}
