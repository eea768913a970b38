// Command event-monitor consumes the dead-letter and SLA alert topics and
// exports their backlog from nsqd stats as Prometheus gauges.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/impact_relay/internal/app"
	"github.com/austindbirch/impact_relay/internal/config"
	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/sla"
)

const pollInterval = 15 * time.Second

func main() {
	envFile := flag.String("env-file", "", "optional KEY=VALUE file loaded before the environment (default $CONFIG_ENV_FILE)")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := config.FromEnv()
	logger := app.NewLogger(cfg, "event-monitor")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("event monitor failed")
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	if cfg.NSQ.NsqdTCPAddr == "" {
		return errors.New("NSQD_TCP_ADDR is required")
	}
	reg := prometheus.NewRegistry()
	m := newMonitor(reg, logger)

	var consumers []*nsq.Consumer
	for _, topic := range []string{cfg.NSQ.DLQTopic, cfg.NSQ.SLATopic} {
		c, err := nsq.NewConsumer(topic, cfg.NSQ.Channel, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq consumer %s: %w", topic, err)
		}
		c.SetLoggerLevel(nsq.LogLevelWarning)
		c.AddHandler(m.handler(topic, cfg.NSQ.DLQTopic))
		if err := c.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			return fmt.Errorf("connect nsqd for %s: %w", topic, err)
		}
		consumers = append(consumers, c)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.NSQ.NsqdHTTPAddr != "" {
		g.Go(func() error {
			m.poll(ctx, http.DefaultClient, cfg.NSQ.NsqdHTTPAddr, []string{cfg.NSQ.DLQTopic, cfg.NSQ.SLATopic}, pollInterval)
			return nil
		})
	}
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.MetricsPort).Info("event monitor metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		for _, c := range consumers {
			c.Stop()
			<-c.StopChan
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type monitor struct {
	backlog  *prometheus.GaugeVec
	inflight *prometheus.GaugeVec
	received *prometheus.CounterVec
	logger   *logging.Logger
}

func newMonitor(reg prometheus.Registerer, logger *logging.Logger) *monitor {
	m := &monitor{
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "impactrelay_event_topic_backlog",
			Help: "Messages waiting on an event topic, summed over its channels",
		}, []string{"topic"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "impactrelay_event_channel_inflight",
			Help: "In-flight messages per event topic and channel",
		}, []string{"topic", "channel"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "impactrelay_events_received_total",
			Help: "Dead letters and SLA alerts consumed, by type and platform",
		}, []string{"type", "platform"}),
		logger: logger,
	}
	reg.MustRegister(m.backlog, m.inflight, m.received)
	return m
}

// handler decodes dead letters on dlqTopic and SLA alerts on any other topic.
// Undecodable messages are logged and finished so they do not loop.
func (m *monitor) handler(topic, dlqTopic string) nsq.HandlerFunc {
	return func(msg *nsq.Message) error {
		if topic == dlqTopic {
			var dl delivery.DeadLetter
			if _, err := events.Decode(msg.Body, &dl); err != nil {
				m.logger.Plain().WithField("topic", topic).WithError(err).Warn("dropping undecodable dead letter")
				return nil
			}
			m.received.WithLabelValues(dl.Type, string(dl.Delivery.Platform)).Inc()
			m.logger.Plain().
				WithDelivery(dl.Delivery.ID).
				WithTenant(dl.Delivery.TenantID).
				WithPlatform(string(dl.Delivery.Platform)).
				WithField("reason", dl.Reason).
				WithField("attempt", dl.Attempt).
				WithField("cycle", dl.Cycle).
				Warn("delivery exhausted")
			return nil
		}

		var a sla.Alert
		if _, err := events.Decode(msg.Body, &a); err != nil {
			m.logger.Plain().WithField("topic", topic).WithError(err).Warn("dropping undecodable sla alert")
			return nil
		}
		m.received.WithLabelValues(a.Type, string(a.Platform)).Inc()
		m.logger.Plain().
			WithDelivery(a.DeliveryID).
			WithTenant(a.TenantID).
			WithPlatform(string(a.Platform)).
			WithField("classification", a.Classification).
			WithField("elapsed_seconds", a.ElapsedSeconds).
			Warn("sla alert")
		return nil
	}
}

// nsqdStats is the part of nsqd's /stats?format=json reply we read.
type nsqdStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

func (m *monitor) poll(ctx context.Context, client *http.Client, addr string, topics []string, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if err := m.updateDepths(ctx, client, addr, topics); err != nil {
			m.logger.Plain().WithError(err).Warn("failed to read nsqd stats")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *monitor) updateDepths(ctx context.Context, client *http.Client, addr string, topics []string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/stats?format=json", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsqd stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsqd stats: %w", err)
	}

	watched := make(map[string]bool, len(topics))
	for _, t := range topics {
		watched[t] = true
	}
	for _, topic := range stats.Topics {
		if !watched[topic.TopicName] {
			continue
		}
		backlog := topic.Depth
		for _, ch := range topic.Channels {
			backlog += ch.Depth
			m.inflight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
		}
		m.backlog.WithLabelValues(topic.TopicName).Set(float64(backlog))
	}
	return nil
}
