package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/impact_relay/internal/api"
	"github.com/austindbirch/impact_relay/internal/app"
	"github.com/austindbirch/impact_relay/internal/config"
	"github.com/austindbirch/impact_relay/internal/confirm"
	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/health"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/metrics"
	"github.com/austindbirch/impact_relay/internal/replay"
	"github.com/austindbirch/impact_relay/internal/sla"
	"github.com/austindbirch/impact_relay/internal/tracing"
)

const serviceName = "impactrelay-api"

func main() {
	envFile := flag.String("env-file", "", "optional .env file loaded before reading the environment (default $CONFIG_ENV_FILE)")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		logging.Plain().WithError(err).Fatal("load env file")
	}
	cfg := config.FromEnv()
	logger := app.NewLogger(cfg, serviceName)
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("api stopped with error")
	}
	logger.Plain().Info("api stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pub, stopPub, err := app.NewPublisher(cfg)
	if err != nil {
		return err
	}
	defer stopPub()

	authn, err := app.Authenticator(ctx, cfg, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv, err := newServer(cfg, store, pub, authn, reg, logger)
	if err != nil {
		return err
	}

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		health.Watch(gctx, hs, serviceName, store, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCPort)
		if err != nil {
			return err
		}
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("api gRPC health listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("api HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newServer assembles the HTTP API over an open store.
func newServer(cfg config.Config, store delivery.Store, pub events.Publisher, authn func(http.Handler) http.Handler, reg *prometheus.Registry, logger *logging.Logger) (*api.Server, error) {
	controller := replay.New(store,
		replay.WithMaxBatch(cfg.ReplayMaxBatch),
		replay.WithLogger(logger),
	)
	monitor := sla.NewMonitor(store, app.Thresholds(cfg), sla.WithLogger(logger))
	handler := confirm.New(store, app.Secrets(cfg),
		confirm.WithLeeway(cfg.Webhook.Leeway),
		confirm.WithDeadLetters(pub, cfg.NSQ.DLQTopic),
		confirm.WithLogger(logger),
	)

	return api.NewServer(api.Config{
		Store:           store,
		Replay:          controller,
		SLA:             monitor,
		Confirm:         handler,
		Gatherer:        reg,
		Auth:            authn,
		MaxAttempts:     app.MaxAttempts(cfg),
		SignatureHeader: cfg.Webhook.SignatureHeader,
		TimestampHeader: cfg.Webhook.TimestampHeader,
		Logger:          logger,
	})
}
