// Package api serves the operator HTTP API and the partner confirmation
// webhook.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/impact_relay/internal/confirm"
	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/health"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/replay"
	"github.com/austindbirch/impact_relay/internal/signature"
	"github.com/austindbirch/impact_relay/internal/sla"
)

// Store is the part of delivery.Store the API reads and writes directly.
type Store interface {
	delivery.Reader
	delivery.Creator
	delivery.History
	health.Pinger
}

type Config struct {
	Store    Store
	Replay   *replay.Controller
	SLA      *sla.Monitor
	Confirm  *confirm.Handler
	Gatherer prometheus.Gatherer

	// Auth authenticates operator routes; nil leaves them open.
	Auth func(http.Handler) http.Handler

	MaxAttempts     map[delivery.Platform]int // per platform, default 5
	SignatureHeader string
	TimestampHeader string

	Logger *logging.Logger
	Now    func() time.Time
}

type Server struct {
	cfg     Config
	mux     *runtime.ServeMux
	handler http.Handler
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = signature.DefaultSignatureHeader
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = signature.DefaultTimestampHeader
	}

	s := &Server{cfg: cfg, mux: runtime.NewServeMux()}

	metricsHandler := promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	routes := []route{
		{http.MethodGet, "/healthz", plain(health.HTTPHandler(cfg.Store))},
		{http.MethodGet, "/metrics", plain(metricsHandler.ServeHTTP)},

		{http.MethodGet, "/deliveries", s.listDeliveries},
		{http.MethodPost, "/deliveries", s.createDelivery},
		{http.MethodGet, "/deliveries/{id}", s.getDelivery},
		{http.MethodPost, "/deliveries/{id}/replay", s.replayOne},
		{http.MethodPost, "/deliveries/bulk-replay", s.bulkReplay},
		{http.MethodPost, "/deliveries/retry-all-failed", s.retryAllFailed},

		{http.MethodGet, "/sla-status", s.slaStatus},
		{http.MethodGet, "/sla-report", s.slaReport},
		{http.MethodGet, "/delivery-timeline", s.timeline},

		{http.MethodPost, "/webhooks/{platform}", s.webhook},
	}
	for _, rt := range routes {
		if err := s.mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	var h http.Handler = s.mux
	if cfg.Auth != nil {
		h = cfg.Auth(h)
	}
	h = requestLogger(cfg.Logger)(h)
	h = middleware.Recoverer(h)
	h = middleware.RealIP(h)
	h = middleware.RequestID(h)
	s.handler = h
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func plain(h http.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		h(w, r)
	}
}
