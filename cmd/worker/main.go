package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/impact_relay/internal/app"
	"github.com/austindbirch/impact_relay/internal/config"
	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/executor"
	"github.com/austindbirch/impact_relay/internal/health"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/metrics"
	"github.com/austindbirch/impact_relay/internal/partner"
	"github.com/austindbirch/impact_relay/internal/payload"
	"github.com/austindbirch/impact_relay/internal/scheduler"
	"github.com/austindbirch/impact_relay/internal/sla"
	"github.com/austindbirch/impact_relay/internal/tracing"
)

const serviceName = "impactrelay-worker"

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
		logger.Plain().WithError(err).Fatal("worker stopped with error")
	}
	logger.Plain().Info("worker stopped")
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

	ledger, closeLedger, err := app.NewLedger(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeLedger()

	endpoints := app.Endpoints(cfg)
	if len(endpoints) == 0 {
		logger.Plain().Warn("no platform endpoints configured; every attempt will fail permanently")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	w := newWorker(cfg, store, partner.NewClient(endpoints), app.PayloadBuilder(cfg), pub, ledger, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(store))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.scheduler.Run(gctx) })
	g.Go(func() error { return w.monitor.Run(gctx) })
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// worker bundles the two background loops of the engine.
type worker struct {
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	monitor   *sla.Monitor
}

func newWorker(cfg config.Config, store delivery.Store, sender executor.Sender, builder payload.Builder, pub events.Publisher, ledger sla.Ledger, logger *logging.Logger) *worker {
	backoff := cfg.BackoffPolicy()
	exec := executor.New(store, builder, sender,
		executor.WithBackoff(backoff),
		executor.WithDeadLetters(pub, cfg.NSQ.DLQTopic),
		executor.WithLogger(logger),
	)
	sched := scheduler.New(store, exec, scheduler.Config{
		TickInterval:   cfg.Scheduler.TickInterval,
		BatchSize:      cfg.Scheduler.BatchSize,
		Workers:        cfg.Scheduler.Workers,
		StuckTimeout:   cfg.Scheduler.StuckTimeout,
		AttemptTimeout: attemptTimeout(cfg),
		Owner:          cfg.Scheduler.Owner,
		Concurrency:    app.Concurrency(cfg),
		Backoff:        backoff,
	}, scheduler.WithLogger(logger))
	monitor := sla.NewMonitor(store, app.Thresholds(cfg),
		sla.WithLedger(ledger),
		sla.WithNotifier(sla.NewEventNotifier(pub, cfg.NSQ.SLATopic)),
		sla.WithInterval(cfg.SLA.CheckInterval),
		sla.WithLogger(logger),
	)
	return &worker{executor: exec, scheduler: sched, monitor: monitor}
}

// attemptTimeout bounds one dispatched attempt: the slowest partner timeout
// plus time to build the payload. It stays below the stuck timeout so a live
// attempt is never reclaimed.
func attemptTimeout(cfg config.Config) time.Duration {
	var slowest time.Duration
	for _, p := range cfg.Platforms {
		if p.Timeout > slowest {
			slowest = p.Timeout
		}
	}
	d := slowest + 30*time.Second
	if stuck := cfg.Scheduler.StuckTimeout; stuck > 0 && d >= stuck {
		d = stuck / 2
	}
	return d
}
