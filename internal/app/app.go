// Package app turns a config.Config into the long-lived components shared by
// the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/impact_relay/internal/auth"
	"github.com/austindbirch/impact_relay/internal/config"
	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/partner"
	"github.com/austindbirch/impact_relay/internal/payload"
	"github.com/austindbirch/impact_relay/internal/sla"
	"github.com/austindbirch/impact_relay/internal/store/postgres"
	"github.com/austindbirch/impact_relay/internal/store/sqlite"
)

// AnonymousOperator is recorded on replays when auth is disabled.
const AnonymousOperator = "anonymous"

// NewLogger builds the service logger and installs it as the default.
func NewLogger(cfg config.Config, service string) *logging.Logger {
	logging.SetLevel(cfg.LogLevel)
	var l *logging.Logger
	if cfg.LogFormat == "console" {
		l = logging.NewConsole(service, os.Stderr)
	} else {
		l = logging.New(service)
	}
	logging.SetDefault(l)
	return l
}

// OpenStore connects to the configured driver and applies migrations.
func OpenStore(ctx context.Context, cfg config.Config) (delivery.Store, error) {
	switch cfg.DB.Driver {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.DB.SQLitePath)
		if err != nil {
			return nil, errors.Wrapf(err, "open sqlite %s", cfg.DB.SQLitePath)
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.DB.Driver)
	}
}

// NewPublisher returns an NSQ publisher, or a no-op one when NSQD_TCP_ADDR is
// unset. The returned stop func is always safe to call.
func NewPublisher(cfg config.Config) (events.Publisher, func(), error) {
	if cfg.NSQ.NsqdTCPAddr == "" {
		return events.Nop{}, func() {}, nil
	}
	p, err := events.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "nsq producer")
	}
	return p, p.Stop, nil
}

// NewLedger picks where fired SLA alerts are remembered.
func NewLedger(ctx context.Context, cfg config.Config, store delivery.SLASource) (sla.Ledger, func(), error) {
	if cfg.SLA.AlertLedger != "redis" {
		return sla.NewStoreLedger(store), func() {}, nil
	}
	if cfg.Redis.Addr == "" {
		return nil, nil, fmt.Errorf("SLA_ALERT_LEDGER=redis requires REDIS_ADDR")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	l := sla.NewRedisLedger(client, "", cfg.SLA.AlertTTL)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := l.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrapf(err, "redis %s", cfg.Redis.Addr)
	}
	return l, func() { _ = client.Close() }, nil
}

// Authenticator returns the operator auth middleware. With auth disabled every
// request acts as AnonymousOperator unless it carries x-operator-id.
func Authenticator(ctx context.Context, cfg config.Config, client *http.Client) (func(http.Handler) http.Handler, error) {
	a := cfg.Auth
	switch {
	case a.Disabled:
		return auth.Anonymous(AnonymousOperator), nil
	case a.PublicKeyPEM != "":
		v, err := auth.NewJWTValidator(a.PublicKeyPEM, a.Issuer, a.Audience)
		if err != nil {
			return nil, err
		}
		return v.TrustProxyHeader(a.TrustProxyHeader).HTTPMiddleware, nil
	case a.JWKSURL != "":
		pub, err := auth.FetchJWKS(ctx, client, a.JWKSURL, "")
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(pub, a.Issuer, a.Audience).TrustProxyHeader(a.TrustProxyHeader).HTTPMiddleware, nil
	default:
		return nil, fmt.Errorf("set JWT_PUBLIC_KEY or JWT_JWKS_URL, or AUTH_DISABLED=true")
	}
}

func Thresholds(cfg config.Config) sla.Thresholds {
	th := make(sla.Thresholds, len(cfg.Platforms))
	for p, pc := range cfg.Platforms {
		th[p] = sla.Threshold{Warn: pc.SLAWarn, Breach: pc.SLABreach}
	}
	return th
}

func Secrets(cfg config.Config) map[delivery.Platform]string {
	out := make(map[delivery.Platform]string, len(cfg.Platforms))
	for p, pc := range cfg.Platforms {
		if pc.Secret != "" {
			out[p] = pc.Secret
		}
	}
	return out
}

func MaxAttempts(cfg config.Config) map[delivery.Platform]int {
	out := make(map[delivery.Platform]int, len(cfg.Platforms))
	for p, pc := range cfg.Platforms {
		out[p] = pc.MaxAttempts
	}
	return out
}

func Concurrency(cfg config.Config) map[delivery.Platform]int {
	out := make(map[delivery.Platform]int, len(cfg.Platforms))
	for p, pc := range cfg.Platforms {
		out[p] = pc.Concurrency
	}
	return out
}

// Endpoints lists the platforms with a configured URL.
func Endpoints(cfg config.Config) map[delivery.Platform]partner.Endpoint {
	out := make(map[delivery.Platform]partner.Endpoint, len(cfg.Platforms))
	for p, pc := range cfg.Platforms {
		if pc.Endpoint == "" {
			continue
		}
		out[p] = partner.Endpoint{URL: pc.Endpoint, Secret: pc.Secret, Timeout: pc.Timeout}
	}
	return out
}

// PayloadBuilder fetches tenant metrics from METRICS_API_URL. Without one,
// deliveries carry an empty metrics object.
func PayloadBuilder(cfg config.Config) payload.Builder {
	if cfg.MetricsAPIURL == "" {
		return payload.NewRegistry(payload.Static(map[string]any{}))
	}
	return payload.NewRegistry(payload.NewMetricsSource(cfg.MetricsAPIURL, 10*time.Second))
}
