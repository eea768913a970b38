// Package replay re-arms deliveries for a fresh attempt cycle on operator
// request. Prior attempts are kept; each replay starts a new cycle.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/metrics"
	"github.com/austindbirch/impact_relay/internal/tracing"
)

const (
	ModeSingle    = "single"
	ModeBulk      = "bulk"
	ModeAllFailed = "all_failed"

	SkipInProgress = "in progress"
	SkipNotFound   = "not found"

	DefaultMaxBatch = 5000
)

// Filter selects the deliveries to replay: one id, a query, or every
// FAILED/EXHAUSTED delivery (optionally narrowed by the query fields).
type Filter struct {
	DeliveryID string            `json:"delivery_id,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Platform   delivery.Platform `json:"platform,omitempty"`
	PeriodFrom string            `json:"period_from,omitempty"`
	PeriodTo   string            `json:"period_to,omitempty"`
	Statuses   []delivery.Status `json:"statuses,omitempty"`
	AllFailed  bool              `json:"all_failed,omitempty"`
}

func (f Filter) empty() bool {
	return f.DeliveryID == "" && f.TenantID == "" && f.Platform == "" &&
		f.PeriodFrom == "" && f.PeriodTo == "" && len(f.Statuses) == 0 && !f.AllFailed
}

func (f Filter) mode() string {
	switch {
	case f.DeliveryID != "":
		return ModeSingle
	case f.AllFailed:
		return ModeAllFailed
	default:
		return ModeBulk
	}
}

func (f Filter) query(limit int) delivery.Query {
	q := delivery.Query{
		TenantID:   f.TenantID,
		Platform:   f.Platform,
		PeriodFrom: f.PeriodFrom,
		PeriodTo:   f.PeriodTo,
		Statuses:   f.Statuses,
		Limit:      limit,
	}
	if f.AllFailed {
		q.Statuses = []delivery.Status{delivery.StatusFailed, delivery.StatusExhausted}
	}
	return q
}

type Request struct {
	Filter        Filter
	InitiatedBy   string
	Reason        string
	ReuseSnapshot bool // resend the last built payload instead of rebuilding
}

func (r Request) Validate() error {
	f := r.Filter
	if strings.TrimSpace(r.InitiatedBy) == "" {
		return &delivery.ValidationError{Field: "initiated_by", Reason: "required"}
	}
	if f.empty() {
		return &delivery.ValidationError{Field: "filter", Reason: "a delivery id, a query or all_failed is required"}
	}
	if f.DeliveryID != "" && (f.TenantID != "" || f.Platform != "" || f.PeriodFrom != "" || f.PeriodTo != "" || len(f.Statuses) > 0 || f.AllFailed) {
		return &delivery.ValidationError{Field: "filter", Reason: "delivery_id cannot be combined with other filters"}
	}
	if f.Platform != "" && !f.Platform.Valid() {
		return &delivery.ValidationError{Field: "platform", Reason: "unknown platform " + string(f.Platform)}
	}
	for _, s := range f.Statuses {
		if !s.Valid() {
			return &delivery.ValidationError{Field: "statuses", Reason: "unknown status " + string(s)}
		}
	}
	if f.AllFailed && len(f.Statuses) > 0 {
		return &delivery.ValidationError{Field: "statuses", Reason: "cannot be combined with all_failed"}
	}
	if f.PeriodFrom != "" && f.PeriodTo != "" && f.PeriodFrom > f.PeriodTo {
		return &delivery.ValidationError{Field: "period_from", Reason: "must not be after period_to"}
	}
	return nil
}

// Skip is a matched delivery that was not reset.
type Skip struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type Result struct {
	Matched     int      `json:"matched"`
	Replayed    int      `json:"replayed"`
	Skipped     int      `json:"skipped"`
	ReplayedIDs []string `json:"replayed_ids"`
	SkippedIDs  []Skip   `json:"skipped_ids"`
}

type Controller struct {
	store    delivery.Replayer
	maxBatch int
	logger   *logging.Logger
	now      func() time.Time
}

type Option func(*Controller)

// WithMaxBatch caps how many deliveries one bulk replay may match.
func WithMaxBatch(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxBatch = n
		}
	}
}

func WithLogger(l *logging.Logger) Option { return func(c *Controller) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func New(store delivery.Replayer, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		maxBatch: DefaultMaxBatch,
		logger:   logging.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Replay resets every matched delivery that is not IN_FLIGHT. A delivery
// that becomes IN_FLIGHT between matching and resetting is skipped. On a
// store error the partial result is returned with the error.
func (c *Controller) Replay(ctx context.Context, req Request) (Result, error) {
	mode := req.Filter.mode()
	ctx, span := tracing.StartSpan(ctx, "replay."+mode)
	defer span.End()

	res := Result{ReplayedIDs: []string{}, SkippedIDs: []Skip{}}
	if err := req.Validate(); err != nil {
		return res, err
	}

	targets, err := c.match(ctx, req.Filter)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return res, err
	}
	res.Matched = len(targets)

	now := c.now().UTC()
	for _, d := range targets {
		if d.Status == delivery.StatusInFlight {
			res.skip(d.ID, SkipInProgress)
			continue
		}
		_, err := c.store.ReplayDelivery(ctx, d.ID, delivery.ReplayAudit{
			DeliveryID:    d.ID,
			InitiatedBy:   req.InitiatedBy,
			Reason:        req.Reason,
			ReuseSnapshot: req.ReuseSnapshot,
		}, now)
		switch {
		case err == nil:
			res.Replayed++
			res.ReplayedIDs = append(res.ReplayedIDs, d.ID)
		case errors.Is(err, delivery.ErrConcurrencyConflict):
			metrics.RecordConflict("replay")
			res.skip(d.ID, SkipInProgress)
		case delivery.IsNotFound(err) && mode != ModeSingle:
			res.skip(d.ID, SkipNotFound)
		default:
			metrics.RecordReplay(mode, res.Replayed, res.Skipped)
			tracing.SetSpanError(ctx, err)
			return res, fmt.Errorf("replay %s: %w", d.ID, err)
		}
	}

	metrics.RecordReplay(mode, res.Replayed, res.Skipped)
	c.logger.WithContext(ctx).
		WithField("mode", mode).
		WithField("initiated_by", req.InitiatedBy).
		WithField("reason", req.Reason).
		WithField("matched", res.Matched).
		WithField("replayed", res.Replayed).
		WithField("skipped", res.Skipped).
		Info("replay completed")
	return res, nil
}

func (c *Controller) match(ctx context.Context, f Filter) ([]delivery.Delivery, error) {
	if f.DeliveryID != "" {
		d, err := c.store.GetDelivery(ctx, f.DeliveryID)
		if err != nil {
			return nil, err
		}
		return []delivery.Delivery{*d}, nil
	}

	ds, err := c.store.ListDeliveries(ctx, f.query(c.maxBatch+1))
	if err != nil {
		return nil, fmt.Errorf("match deliveries: %w", err)
	}
	if len(ds) > c.maxBatch {
		return nil, &delivery.ValidationError{
			Field:  "filter",
			Reason: fmt.Sprintf("matches more than %d deliveries, narrow the filter", c.maxBatch),
		}
	}
	return ds, nil
}

func (r *Result) skip(id, reason string) {
	r.Skipped++
	r.SkippedIDs = append(r.SkippedIDs, Skip{ID: id, Reason: reason})
}
