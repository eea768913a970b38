package sla

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

// StatusWindow is the trailing window of Status.
const StatusWindow = 24 * time.Hour

// Window selects deliveries by ReadyAt, From inclusive and To exclusive.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ParseWindow accepts either a trailing window ("7d", "36h") or explicit
// RFC3339 bounds. Empty input means the trailing StatusWindow.
func ParseWindow(window, from, to string, now time.Time) (Window, error) {
	now = now.UTC()
	if from != "" || to != "" {
		if window != "" {
			return Window{}, &delivery.ValidationError{Field: "window", Reason: "cannot be combined with from/to"}
		}
		w := Window{To: now}
		var err error
		if from == "" {
			return Window{}, &delivery.ValidationError{Field: "from", Reason: "required with to"}
		}
		if w.From, err = time.Parse(time.RFC3339, from); err != nil {
			return Window{}, &delivery.ValidationError{Field: "from", Reason: "must be RFC3339"}
		}
		if to != "" {
			if w.To, err = time.Parse(time.RFC3339, to); err != nil {
				return Window{}, &delivery.ValidationError{Field: "to", Reason: "must be RFC3339"}
			}
		}
		w.From, w.To = w.From.UTC(), w.To.UTC()
		return w, w.validate()
	}

	d := StatusWindow
	if window != "" {
		var err error
		if d, err = parseDuration(window); err != nil || d <= 0 {
			return Window{}, &delivery.ValidationError{Field: "window", Reason: "must be a positive duration such as 24h or 7d"}
		}
	}
	return Window{From: now.Add(-d), To: now}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func (w Window) validate() error {
	if !w.From.Before(w.To) {
		return &delivery.ValidationError{Field: "from", Reason: "must be before to"}
	}
	return nil
}

// Counts aggregates classifications. Percentages are of Total.
type Counts struct {
	Total       int     `json:"total"`
	OnTime      int     `json:"on_time"`
	AtRisk      int     `json:"at_risk"`
	Breached    int     `json:"breached"`
	OnTimePct   float64 `json:"on_time_pct"`
	AtRiskPct   float64 `json:"at_risk_pct"`
	BreachedPct float64 `json:"breached_pct"`
}

func (c *Counts) add(cl Classification) {
	c.Total++
	switch cl {
	case OnTime:
		c.OnTime++
	case AtRisk:
		c.AtRisk++
	case Breached:
		c.Breached++
	}
}

func (c *Counts) finish() {
	if c.Total == 0 {
		return
	}
	pct := func(n int) float64 { return float64(n) * 100 / float64(c.Total) }
	c.OnTimePct, c.AtRiskPct, c.BreachedPct = pct(c.OnTime), pct(c.AtRisk), pct(c.Breached)
}

type Report struct {
	Window      Window            `json:"window"`
	GeneratedAt time.Time         `json:"generated_at"`
	Overall     Counts            `json:"overall"`
	ByPlatform  map[string]Counts `json:"by_platform"`
	ByTenant    map[string]Counts `json:"by_tenant"`
}

// Aggregate classifies ds at now and groups the results.
func Aggregate(ds []delivery.Delivery, th Thresholds, w Window, now time.Time) Report {
	rep := Report{
		Window:      w,
		GeneratedAt: now.UTC(),
		ByPlatform:  make(map[string]Counts),
		ByTenant:    make(map[string]Counts),
	}
	for _, d := range ds {
		r := Classify(d, th.For(d.Platform), now)
		rep.Overall.add(r.Classification)

		pc := rep.ByPlatform[string(d.Platform)]
		pc.add(r.Classification)
		rep.ByPlatform[string(d.Platform)] = pc

		tc := rep.ByTenant[d.TenantID]
		tc.add(r.Classification)
		rep.ByTenant[d.TenantID] = tc
	}
	rep.Overall.finish()
	for k, c := range rep.ByPlatform {
		c.finish()
		rep.ByPlatform[k] = c
	}
	for k, c := range rep.ByTenant {
		c.finish()
		rep.ByTenant[k] = c
	}
	return rep
}

// Report classifies every delivery whose ReadyAt falls in w.
func (m *Monitor) Report(ctx context.Context, w Window) (Report, error) {
	if err := w.validate(); err != nil {
		return Report{}, err
	}
	ds, err := m.store.ListForSLA(ctx, delivery.SLAQuery{ReadyFrom: w.From, ReadyTo: w.To})
	if err != nil {
		return Report{}, fmt.Errorf("list deliveries for sla report: %w", err)
	}
	return Aggregate(ds, m.thresholds, w, m.now()), nil
}

// Status is the report over the trailing StatusWindow.
func (m *Monitor) Status(ctx context.Context) (Report, error) {
	now := m.now().UTC()
	return m.Report(ctx, Window{From: now.Add(-StatusWindow), To: now})
}
