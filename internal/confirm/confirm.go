// Package confirm applies signed delivery confirmations pushed by partners.
package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/events"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/metrics"
	"github.com/austindbirch/impact_relay/internal/signature"
	"github.com/austindbirch/impact_relay/internal/tracing"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored" // already terminal
)

// Confirmation is one inbound push. ExternalRef, Status and Detail are read
// from the JSON body when left empty.
type Confirmation struct {
	Platform    delivery.Platform
	ExternalRef string
	Status      string
	Detail      string
	Body        []byte
	Timestamp   string
	Signature   string
}

// Body is the JSON document partners post.
type Body struct {
	ExternalRef string `json:"external_ref"`
	Status      string `json:"status"`
	Detail      string `json:"detail,omitempty"`
}

// Result reports what Apply did.
type Result struct {
	Outcome  Outcome            `json:"outcome"`
	Delivery *delivery.Delivery `json:"delivery,omitempty"`
}

// MapStatus translates a partner status word to an attempt outcome.
func MapStatus(s string) (delivery.Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delivered", "accepted", "success":
		return delivery.OutcomeSuccess, nil
	case "rejected", "failed", "invalid":
		return delivery.OutcomePermanentFailure, nil
	default:
		return "", &delivery.ValidationError{Field: "status", Reason: "unknown confirmation status " + s}
	}
}

type Handler struct {
	store     delivery.Confirmer
	secrets   map[delivery.Platform]string
	leeway    time.Duration
	publisher events.Publisher
	dlqTopic  string
	logger    *logging.Logger
	now       func() time.Time
}

type Option func(*Handler)

// WithLeeway sets the allowed clock skew of the signed timestamp.
func WithLeeway(d time.Duration) Option { return func(h *Handler) { h.leeway = d } }

// WithDeadLetters publishes a dead letter when a partner rejects a delivery.
func WithDeadLetters(p events.Publisher, topic string) Option {
	return func(h *Handler) { h.publisher, h.dlqTopic = p, topic }
}

func WithLogger(l *logging.Logger) Option { return func(h *Handler) { h.logger = l } }

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

func New(store delivery.Confirmer, secrets map[delivery.Platform]string, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		secrets:   secrets,
		leeway:    5 * time.Minute,
		publisher: events.Nop{},
		logger:    logging.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Apply verifies c and applies it at most once. A delivery that is already
// DELIVERED or EXHAUSTED is left untouched. Signature failures change
// nothing and return a SignatureVerificationError.
func (h *Handler) Apply(ctx context.Context, c Confirmation) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "confirm.apply", tracing.AttrPlatform.String(string(c.Platform)))
	defer span.End()

	if !c.Platform.Valid() {
		return Result{}, &delivery.ValidationError{Field: "platform", Reason: "unknown platform " + string(c.Platform)}
	}
	now := h.now().UTC()
	if err := h.verify(c, now); err != nil {
		metrics.RecordSignatureFailure(string(c.Platform))
		metrics.RecordConfirmation(string(c.Platform), "rejected")
		h.logger.WithContext(ctx).
			WithPlatform(string(c.Platform)).
			WithField("external_ref", c.ExternalRef).
			WithError(err).
			Warn("confirmation rejected")
		return Result{}, err
	}

	if err := c.fill(); err != nil {
		return Result{}, err
	}
	outcome, err := MapStatus(c.Status)
	if err != nil {
		return Result{}, err
	}

	d, applied, err := h.store.ApplyConfirmation(ctx, c.Platform, c.ExternalRef, h.confirmFunc(c, outcome, now))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	log := h.logger.WithContext(ctx).
		WithDelivery(d.ID).
		WithTenant(d.TenantID).
		WithPlatform(string(c.Platform)).
		WithField("external_ref", c.ExternalRef).
		WithField("partner_status", c.Status)
	if !applied {
		metrics.RecordConfirmation(string(c.Platform), string(OutcomeIgnored))
		log.WithField("status", d.Status).Info("confirmation ignored, delivery already terminal")
		return Result{Outcome: OutcomeIgnored, Delivery: d}, nil
	}

	metrics.RecordConfirmation(string(c.Platform), string(OutcomeApplied))
	log.WithField("status", d.Status).Info("confirmation applied")
	if d.Status == delivery.StatusExhausted {
		metrics.RecordExhausted(string(d.Platform), "rejected")
		h.deadLetter(ctx, *d)
	}
	return Result{Outcome: OutcomeApplied, Delivery: d}, nil
}

func (h *Handler) verify(c Confirmation, now time.Time) error {
	secret := h.secrets[c.Platform]
	if secret == "" {
		return &delivery.SignatureVerificationError{Platform: c.Platform, Reason: "no secret configured"}
	}
	if err := signature.Verify(secret, c.Body, c.Signature, c.Timestamp, now, h.leeway); err != nil {
		return &delivery.SignatureVerificationError{Platform: c.Platform, Reason: err.Error()}
	}
	return nil
}

func (c *Confirmation) fill() error {
	if c.ExternalRef != "" && c.Status != "" {
		return nil
	}
	var b Body
	if err := json.Unmarshal(c.Body, &b); err != nil {
		return &delivery.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	if c.ExternalRef == "" {
		c.ExternalRef = b.ExternalRef
	}
	if c.Status == "" {
		c.Status = b.Status
	}
	if c.Detail == "" {
		c.Detail = b.Detail
	}
	if strings.TrimSpace(c.ExternalRef) == "" {
		return &delivery.ValidationError{Field: "external_ref", Reason: "required"}
	}
	return nil
}

// confirmFunc runs inside the store transaction against the current row.
func (h *Handler) confirmFunc(c Confirmation, outcome delivery.Outcome, now time.Time) delivery.ConfirmFunc {
	return func(d delivery.Delivery) (*delivery.Attempt, *delivery.Transition, error) {
		if d.Status.Terminal() {
			return nil, nil, nil
		}
		n := d.AttemptCount
		if d.Status != delivery.StatusInFlight {
			n++
		}
		detail := "partner confirmation: " + c.Status
		if c.Detail != "" {
			detail += ": " + c.Detail
		}
		a := &delivery.Attempt{
			DeliveryID:    d.ID,
			Cycle:         d.Cycle,
			AttemptNumber: n,
			StartedAt:     now,
			EndedAt:       now,
			Outcome:       outcome,
			Source:        delivery.SourceConfirmation,
		}
		if outcome == delivery.OutcomeSuccess {
			return a, &delivery.Transition{Status: delivery.StatusDelivered, CompletedAt: &now}, nil
		}
		a.ErrorDetail = detail
		return a, &delivery.Transition{
			Status:    delivery.StatusExhausted,
			LastError: &delivery.ErrorSummary{Outcome: outcome, Message: detail},
		}, nil
	}
}

func (h *Handler) deadLetter(ctx context.Context, d delivery.Delivery) {
	if h.dlqTopic == "" {
		return
	}
	if err := h.publisher.Publish(ctx, h.dlqTopic, delivery.NewDeadLetter(d, "rejected", h.now())); err != nil {
		h.logger.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("dead letter publish failed")
		return
	}
	metrics.RecordDeadLetter()
}

// Sign is the counterpart partners use; exposed for simulators and tests.
func Sign(secret string, b Body, now time.Time) (body []byte, sig, ts string, err error) {
	body, err = json.Marshal(b)
	if err != nil {
		return nil, "", "", fmt.Errorf("marshal confirmation: %w", err)
	}
	sig, ts = signature.Sign(secret, body, now)
	return body, sig, ts, nil
}
