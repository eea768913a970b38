// Package payload builds the impact report sent to a partner platform.
package payload

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

// Request identifies the report to build.
type Request struct {
	DeliveryID     string
	TenantID       string
	Platform       delivery.Platform
	Period         string
	IdempotencyKey string
}

// RequestFor derives the build request of a claimed delivery.
func RequestFor(d *delivery.Delivery) Request {
	return Request{
		DeliveryID:     d.ID,
		TenantID:       d.TenantID,
		Platform:       d.Platform,
		Period:         d.Period,
		IdempotencyKey: d.IdempotencyKey(),
	}
}

// Builder produces the payload for one delivery. Any error is treated as a
// permanent failure of the attempt.
type Builder interface {
	Build(ctx context.Context, req Request) (*structpb.Struct, error)
}

// Func adapts a plain function to Builder.
type Func func(ctx context.Context, req Request) (*structpb.Struct, error)

func (f Func) Build(ctx context.Context, req Request) (*structpb.Struct, error) {
	return f(ctx, req)
}

// Registry dispatches to a per-platform builder, falling back to a default.
type Registry struct {
	builders map[delivery.Platform]Builder
	fallback Builder
}

func NewRegistry(fallback Builder) *Registry {
	return &Registry{builders: make(map[delivery.Platform]Builder), fallback: fallback}
}

func (r *Registry) Register(p delivery.Platform, b Builder) {
	r.builders[p] = b
}

func (r *Registry) Build(ctx context.Context, req Request) (*structpb.Struct, error) {
	if b, ok := r.builders[req.Platform]; ok {
		return b.Build(ctx, req)
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no payload builder for platform %s", req.Platform)
	}
	return r.fallback.Build(ctx, req)
}

// Marshal renders the payload as the JSON body that is sent and snapshotted.
func Marshal(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("nil payload")
	}
	return protojson.MarshalOptions{UseProtoNames: true}.Marshal(s)
}

// Static returns a builder that wraps fixed metrics in the platform envelope.
// Used by the fake partner setup and tests.
func Static(metrics map[string]any) Builder {
	return Func(func(ctx context.Context, req Request) (*structpb.Struct, error) {
		m, err := structpb.NewStruct(metrics)
		if err != nil {
			return nil, fmt.Errorf("static metrics: %w", err)
		}
		return Envelope(req, m)
	})
}

// envelopeKeys are the partner-specific names of the envelope fields.
type envelopeKeys struct {
	tenant  string
	period  string
	metrics string
}

var envelopes = map[delivery.Platform]envelopeKeys{
	delivery.PlatformBenevity:  {tenant: "company_id", period: "reporting_period", metrics: "impact"},
	delivery.PlatformGoodera:   {tenant: "client_id", period: "period", metrics: "metrics"},
	delivery.PlatformYourCause: {tenant: "organization_id", period: "fiscal_period", metrics: "outcomes"},
}

// Envelope wraps tenant metrics in the shape the target platform expects.
func Envelope(req Request, metrics *structpb.Struct) (*structpb.Struct, error) {
	keys, ok := envelopes[req.Platform]
	if !ok {
		return nil, fmt.Errorf("no envelope for platform %s", req.Platform)
	}
	if metrics == nil {
		metrics = &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		keys.tenant:       structpb.NewStringValue(req.TenantID),
		keys.period:       structpb.NewStringValue(req.Period),
		keys.metrics:      structpb.NewStructValue(metrics),
		"delivery_id":     structpb.NewStringValue(req.DeliveryID),
		"idempotency_key": structpb.NewStringValue(req.IdempotencyKey),
	}}, nil
}
