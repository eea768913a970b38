package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/metrics"
	"github.com/austindbirch/impact_relay/internal/tracing"
)

const AlertType = "sla.alert"

// Alert is published once per delivery and classification.
type Alert struct {
	Type           string            `json:"type"`
	DeliveryID     string            `json:"delivery_id"`
	TenantID       string            `json:"tenant_id"`
	Platform       delivery.Platform `json:"platform"`
	Period         string            `json:"period"`
	Status         delivery.Status   `json:"status"`
	Classification Classification    `json:"classification"`
	ReadyAt        time.Time         `json:"ready_at"`
	ElapsedSeconds int64             `json:"elapsed_seconds"`
	Threshold      Threshold         `json:"threshold"`
	At             time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// EventNotifier publishes alerts on an NSQ topic.
type EventNotifier struct {
	publisher events.Publisher
	topic     string
}

func NewEventNotifier(p events.Publisher, topic string) *EventNotifier {
	return &EventNotifier{publisher: p, topic: topic}
}

func (n *EventNotifier) Notify(ctx context.Context, a Alert) error {
	return n.publisher.Publish(ctx, n.topic, a)
}

// TickResult summarizes one monitor pass.
type TickResult struct {
	Scanned int
	Alerts  int
}

type Monitor struct {
	store      delivery.SLASource
	thresholds Thresholds
	ledger     Ledger
	notifier   Notifier
	interval   time.Duration
	scanLimit  int
	logger     *logging.Logger
	now        func() time.Time
}

type Option func(*Monitor)

// WithLedger replaces the store-backed alert ledger.
func WithLedger(l Ledger) Option { return func(m *Monitor) { m.ledger = l } }

func WithNotifier(n Notifier) Option { return func(m *Monitor) { m.notifier = n } }

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithScanLimit sets how many open deliveries are read per page. A tick
// pages through every open delivery old enough to be at risk.
func WithScanLimit(n int) Option { return func(m *Monitor) { m.scanLimit = n } }

func WithLogger(l *logging.Logger) Option { return func(m *Monitor) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func NewMonitor(store delivery.SLASource, thresholds Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		store:      store,
		thresholds: thresholds,
		ledger:     NewStoreLedger(store),
		interval:   time.Minute,
		scanLimit:  10000,
		logger:     logging.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run checks on its own ticker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.WithContext(ctx).WithField("interval", m.interval.String()).Info("sla monitor started")
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Plain().Info("sla monitor stopped")
			return nil
		case <-t.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	res, err := m.Tick(ctx)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Error("sla check failed")
		return
	}
	if res.Alerts > 0 {
		m.logger.WithContext(ctx).WithField("scanned", res.Scanned).WithField("alerts", res.Alerts).Info("sla check raised alerts")
	}
}

// Tick classifies every open delivery old enough to be at risk, a page at a
// time, and fires each new alert once. AT_RISK is not raised for EXHAUSTED
// deliveries, which no longer retry on their own. It also refreshes the
// backlog gauges.
func (m *Monitor) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := tracing.StartSpan(ctx, "sla.check")
	defer span.End()

	now := m.now().UTC()
	var res TickResult

	q := delivery.SLAQuery{
		ReadyTo:  now.Add(-m.thresholds.minWarn()),
		OpenOnly: true,
		Limit:    m.scanLimit,
	}
	for {
		ds, err := m.store.ListForSLA(ctx, q)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return res, fmt.Errorf("list open deliveries: %w", err)
		}
		res.Scanned += len(ds)

		for _, d := range ds {
			fired, err := m.check(ctx, d, now)
			if err != nil {
				tracing.SetSpanError(ctx, err)
				return res, err
			}
			if fired {
				res.Alerts++
			}
		}

		if q.Limit <= 0 || len(ds) < q.Limit {
			break
		}
		last := ds[len(ds)-1]
		q.After = &delivery.SLACursor{ReadyAt: last.ReadyAt, ID: last.ID}
	}

	if err := m.refreshBacklog(ctx); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("backlog gauges not refreshed")
	}
	return res, nil
}

func (m *Monitor) check(ctx context.Context, d delivery.Delivery, now time.Time) (bool, error) {
	th := m.thresholds.For(d.Platform)
	r := Classify(d, th, now)
	metrics.RecordSLAClassification(string(d.Platform), string(r.Classification))
	if r.Classification == OnTime {
		return false, nil
	}
	if r.Classification == AtRisk && d.Status == delivery.StatusExhausted {
		return false, nil
	}
	return m.alert(ctx, r, th, now)
}

// alert marks the ledger before notifying; a failed notification is logged
// and not retried.
func (m *Monitor) alert(ctx context.Context, r Record, th Threshold, now time.Time) (bool, error) {
	first, err := m.ledger.Mark(ctx, r.DeliveryID, r.Classification, now)
	if err != nil {
		return false, fmt.Errorf("mark sla alert %s: %w", r.DeliveryID, err)
	}
	if !first {
		return false, nil
	}

	metrics.RecordSLAAlert(string(r.Platform), string(r.Classification))
	entry := m.logger.WithContext(ctx).
		WithDelivery(r.DeliveryID).
		WithTenant(r.TenantID).
		WithPlatform(string(r.Platform)).
		WithField("classification", r.Classification).
		WithField("status", r.Status).
		WithField("elapsed", r.Elapsed.String())
	if r.Classification == Breached {
		entry.Error("sla breached")
	} else {
		entry.Warn("sla at risk")
	}

	if m.notifier == nil {
		return true, nil
	}
	a := Alert{
		Type:           AlertType,
		DeliveryID:     r.DeliveryID,
		TenantID:       r.TenantID,
		Platform:       r.Platform,
		Period:         r.Period,
		Status:         r.Status,
		Classification: r.Classification,
		ReadyAt:        r.ReadyAt,
		ElapsedSeconds: int64(r.Elapsed / time.Second),
		Threshold:      th,
		At:             now,
	}
	if err := m.notifier.Notify(ctx, a); err != nil {
		m.logger.WithContext(ctx).WithDelivery(r.DeliveryID).WithError(err).Error("sla alert notification failed")
	}
	return true, nil
}

func (m *Monitor) refreshBacklog(ctx context.Context) error {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]int)
	for _, c := range counts {
		seen[string(c.Platform)+"/"+string(c.Status)] = c.Count
	}
	for _, p := range delivery.AllPlatforms {
		for _, s := range delivery.AllStatuses {
			metrics.SetBacklog(string(p), string(s), seen[string(p)+"/"+string(s)])
		}
	}
	return nil
}
