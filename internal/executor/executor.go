// Package executor performs one delivery attempt: build or reuse the payload,
// transmit it, classify the response and record the outcome atomically.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/metrics"
	"github.com/austindbirch/impact_relay/internal/partner"
	"github.com/austindbirch/impact_relay/internal/payload"
	"github.com/austindbirch/impact_relay/internal/tracing"
)

// Sender transmits a signed payload. partner.Client implements it.
type Sender interface {
	Send(ctx context.Context, req partner.Request) (partner.Response, error)
}

// AttemptResult describes what one attempt did. Attempt never returns an
// error; store failures and lost claims are reported here.
type AttemptResult struct {
	DeliveryID    string
	AttemptNumber int
	Outcome       delivery.Outcome
	HTTPStatus    int
	Detail        string
	Status        delivery.Status // status written, empty when nothing was written
	NextAttemptAt *time.Time
	Conflict      bool  // the claim was lost; the result was discarded
	StoreErr      error // the outcome could not be persisted
}

// Recorded reports whether the attempt row and transition were committed.
func (r AttemptResult) Recorded() bool {
	return !r.Conflict && r.StoreErr == nil
}

type Executor struct {
	store     delivery.AttemptRecorder
	builder   payload.Builder
	sender    Sender
	backoff   delivery.Backoff
	publisher events.Publisher
	dlqTopic  string
	logger    *logging.Logger
	now       func() time.Time
}

type Option func(*Executor)

func WithBackoff(b delivery.Backoff) Option { return func(e *Executor) { e.backoff = b } }

// WithDeadLetters publishes a delivery.DeadLetter on topic whenever a
// delivery becomes EXHAUSTED.
func WithDeadLetters(p events.Publisher, topic string) Option {
	return func(e *Executor) { e.publisher, e.dlqTopic = p, topic }
}

func WithLogger(l *logging.Logger) Option { return func(e *Executor) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

func New(store delivery.AttemptRecorder, builder payload.Builder, sender Sender, opts ...Option) *Executor {
	e := &Executor{
		store:     store,
		builder:   builder,
		sender:    sender,
		backoff:   delivery.DefaultBackoff(),
		publisher: events.Nop{},
		logger:    logging.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Attempt runs attempt d.AttemptCount of a delivery claimed by the caller.
func (e *Executor) Attempt(ctx context.Context, d delivery.Delivery) AttemptResult {
	ctx, span := tracing.StartSpan(ctx, "executor.attempt",
		tracing.AttrDeliveryID.String(d.ID),
		tracing.AttrTenantID.String(d.TenantID),
		tracing.AttrPlatform.String(string(d.Platform)),
		tracing.AttrPeriod.String(d.Period),
		tracing.AttrAttempt.Int(d.AttemptCount),
		tracing.AttrCycle.Int(d.Cycle),
	)
	defer span.End()

	log := func() *logging.LogEntry {
		return e.logger.WithContext(ctx).
			WithDelivery(d.ID).
			WithTenant(d.TenantID).
			WithPlatform(string(d.Platform)).
			WithField("attempt", d.AttemptCount).
			WithField("cycle", d.Cycle)
	}

	started := e.now().UTC()
	var (
		outcome    delivery.Outcome
		httpStatus int
		failure    error
		reference  string
	)

	body, snapRef, fresh, err := e.payload(ctx, &d, started)
	if err != nil {
		outcome, failure = outcomeOf(err)
		metrics.RecordAttempt(string(d.Platform), string(outcome), 0)
		tracing.SetSpanError(ctx, err)
	} else {
		tracing.AddSpanEvent(ctx, "partner.send", attribute.Int("bytes", len(body)))
		resp, sendErr := e.sender.Send(ctx, partner.Request{
			Platform:       d.Platform,
			DeliveryID:     d.ID,
			IdempotencyKey: d.IdempotencyKey(),
			Body:           body,
		})
		outcome, failure = partner.Classify(resp, sendErr)
		httpStatus = resp.StatusCode
		reference = resp.Reference
		metrics.RecordAttempt(string(d.Platform), string(outcome), resp.Latency)
		span.SetAttributes(attribute.Int("http.status_code", httpStatus))
	}

	ended := e.now().UTC()
	detail := ""
	if failure != nil {
		detail = failure.Error()
	}
	t := delivery.Decide(&d, outcome, httpStatus, detail, ended, e.backoff)
	t.SnapshotRef, t.Snapshot = snapRef, fresh
	if outcome == delivery.OutcomeSuccess {
		t.PartnerRef = reference
	}

	res := AttemptResult{
		DeliveryID:    d.ID,
		AttemptNumber: d.AttemptCount,
		Outcome:       outcome,
		HTTPStatus:    httpStatus,
		Detail:        detail,
	}
	span.SetAttributes(tracing.AttrOutcome.String(string(outcome)))

	a := delivery.Attempt{
		DeliveryID:    d.ID,
		Cycle:         d.Cycle,
		AttemptNumber: d.AttemptCount,
		StartedAt:     started,
		EndedAt:       ended,
		Outcome:       outcome,
		HTTPStatus:    httpStatus,
		ErrorDetail:   detail,
		Source:        delivery.SourceExecutor,
	}
	if err := e.store.CompleteAttempt(ctx, delivery.ClaimOf(&d), a, t); err != nil {
		if errors.Is(err, delivery.ErrConcurrencyConflict) {
			res.Conflict = true
			metrics.RecordConflict("complete_attempt")
			log().WithField("outcome", outcome).Info("claim lost before the attempt was recorded, result discarded")
			return res
		}
		res.StoreErr = err
		tracing.SetSpanError(ctx, err)
		log().WithError(err).Error("failed to record attempt")
		return res
	}

	res.Status = t.Status
	res.NextAttemptAt = t.NextAttemptAt

	switch t.Status {
	case delivery.StatusDelivered:
		log().WithField("http_status", httpStatus).WithField("partner_ref", reference).Info("delivered")
	case delivery.StatusFailed:
		metrics.RecordRetry(string(d.Platform), partner.Reason(httpStatus, failure))
		log().WithField("outcome", outcome).WithField("next_attempt_at", t.NextAttemptAt).Warn(detail)
	case delivery.StatusExhausted:
		e.exhausted(ctx, d, t, outcome)
		log().WithField("outcome", outcome).Error("delivery exhausted: " + detail)
	}
	return res
}

// payload returns the body to send and the ref of its snapshot. A delivery
// armed by a replay resends its last snapshot when one exists. Otherwise the
// body is built and returned as fresh, to be written with the attempt outcome.
func (e *Executor) payload(ctx context.Context, d *delivery.Delivery, at time.Time) (body []byte, ref string, fresh *delivery.Snapshot, err error) {
	if d.ReuseSnapshot && d.PayloadSnapshotRef != "" {
		snap, err := e.store.GetSnapshot(ctx, d.PayloadSnapshotRef)
		if err == nil {
			tracing.AddSpanEvent(ctx, "payload.reused", attribute.String("snapshot", snap.ID))
			return snap.Body, snap.ID, nil, nil
		}
		if !delivery.IsNotFound(err) {
			return nil, "", nil, &delivery.TransientDeliveryError{Err: fmt.Errorf("load snapshot: %w", err)}
		}
	}

	s, err := e.builder.Build(ctx, payload.RequestFor(d))
	if err != nil {
		var te *delivery.TransientDeliveryError
		if errors.As(err, &te) {
			return nil, "", nil, &delivery.TransientDeliveryError{Err: fmt.Errorf("build payload: %w", err)}
		}
		return nil, "", nil, &delivery.PermanentDeliveryError{Err: fmt.Errorf("build payload: %w", err)}
	}
	body, err = payload.Marshal(s)
	if err != nil {
		return nil, "", nil, &delivery.PermanentDeliveryError{Err: fmt.Errorf("encode payload: %w", err)}
	}

	snap := &delivery.Snapshot{
		ID:            delivery.NewID("snp"),
		DeliveryID:    d.ID,
		Cycle:         d.Cycle,
		AttemptNumber: d.AttemptCount,
		Body:          body,
		CreatedAt:     at,
	}
	tracing.AddSpanEvent(ctx, "payload.built", attribute.String("snapshot", snap.ID))
	return body, snap.ID, snap, nil
}

func outcomeOf(err error) (delivery.Outcome, error) {
	var te *delivery.TransientDeliveryError
	if errors.As(err, &te) {
		return delivery.OutcomeTransientFailure, err
	}
	return delivery.OutcomePermanentFailure, err
}

func (e *Executor) exhausted(ctx context.Context, d delivery.Delivery, t delivery.Transition, outcome delivery.Outcome) {
	reason := "max_attempts"
	if outcome == delivery.OutcomePermanentFailure {
		reason = "permanent"
	}
	metrics.RecordExhausted(string(d.Platform), reason)
	if e.dlqTopic == "" {
		return
	}

	d.Status = t.Status
	d.LastError = t.LastError
	d.ClaimToken = ""
	dl := delivery.NewDeadLetter(d, reason, e.now())
	if err := e.publisher.Publish(ctx, e.dlqTopic, dl); err != nil {
		e.logger.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("dead letter publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	metrics.RecordDeadLetter()
	tracing.AddSpanEvent(ctx, "dead_letter.published", attribute.String("topic", e.dlqTopic))
}
