// Command token-issuer is a development identity provider for operators. It
// serves the JWKS the API verifies against and mints short lived operator
// tokens.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/impact_relay/internal/auth"
	"github.com/austindbirch/impact_relay/internal/config"
	"github.com/austindbirch/impact_relay/internal/logging"
)

const (
	defaultKeyID = "impactrelay-key-1"
	defaultTTL   = time.Hour
	maxTTL       = 24 * time.Hour
)

func main() {
	envFile := flag.String("env-file", "", "optional KEY=VALUE file loaded before the environment (default $CONFIG_ENV_FILE)")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := config.FromEnv()
	logger := logging.New("token-issuer")

	key, generated, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to load signing key")
	}
	if generated {
		logger.Plain().Warn("JWT_PRIVATE_KEY not set, generated an ephemeral key pair")
	}
	kid := os.Getenv("JWT_KEY_ID")
	if kid == "" {
		kid = defaultKeyID
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	iss := newIssuer(key, kid, cfg.Auth.Issuer, cfg.Auth.Audience, logger)
	srv := &http.Server{Addr: ":" + port, Handler: iss.routes(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().
		WithField("port", port).
		WithField("kid", kid).
		WithField("issuer", cfg.Auth.Issuer).
		Info("token issuer listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("token issuer failed")
	}
}

// loadKey parses a PEM private key, or generates one when pemKey is empty.
func loadKey(pemKey string) (*rsa.PrivateKey, bool, error) {
	if strings.TrimSpace(pemKey) == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, false, fmt.Errorf("generate RSA key: %w", err)
		}
		return key, true, nil
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, false, fmt.Errorf("parse private key: %w", err)
	}
	return key, false, nil
}

type issuer struct {
	key      *rsa.PrivateKey
	kid      string
	iss      string
	audience string
	logger   *logging.Logger
	now      func() time.Time
}

func newIssuer(key *rsa.PrivateKey, kid, iss, audience string, logger *logging.Logger) *issuer {
	return &issuer{key: key, kid: kid, iss: iss, audience: audience, logger: logger, now: time.Now}
}

func (i *issuer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", i.jwks)
	mux.HandleFunc("POST /token", i.token)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (i *issuer) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJSONWebKey(i.kid, &i.key.PublicKey)}})
}

type tokenRequest struct {
	Operator string `json:"operator"`
	TenantID string `json:"tenant_id,omitempty"`
	TTL      int    `json:"ttl_seconds,omitempty"`
}

func (i *issuer) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.Operator = strings.TrimSpace(req.Operator)
	if req.Operator == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "operator is required"})
		return
	}
	ttl := time.Duration(req.TTL) * time.Second
	switch {
	case req.TTL < 0:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ttl_seconds must be positive"})
		return
	case ttl == 0:
		ttl = defaultTTL
	case ttl > maxTTL:
		ttl = maxTTL
	}

	signed, err := auth.IssueToken(i.key, i.kid, i.iss, i.audience, req.Operator, req.TenantID, ttl, i.now())
	if err != nil {
		i.logger.Plain().WithError(err).Error("failed to sign token")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to sign token"})
		return
	}
	i.logger.Plain().WithField("operator", req.Operator).WithField("ttl", ttl.String()).Info("issued token")
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
