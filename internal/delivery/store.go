package delivery

import (
	"context"
	"time"
)

// Query filters delivery listings and bulk replays.
type Query struct {
	IDs        []string
	TenantID   string
	Platform   Platform
	Statuses   []Status
	Period     string
	PeriodFrom string
	PeriodTo   string
	Limit      int
	Offset     int
}

// ClaimRequest asks for up to Limit due deliveries of one platform.
type ClaimRequest struct {
	Platform Platform
	Limit    int
	Now      time.Time
	Owner    string
	Token    string
}

// Claim identifies an exclusively held IN_FLIGHT delivery.
type Claim struct {
	DeliveryID string
	Token      string
}

func ClaimOf(d *Delivery) Claim {
	return Claim{DeliveryID: d.ID, Token: d.ClaimToken}
}

// ReclaimFunc decides what a stuck IN_FLIGHT delivery becomes.
type ReclaimFunc func(d Delivery) (Attempt, Transition)

// ConfirmFunc decides how an inbound confirmation changes a delivery. A nil
// attempt means no change.
type ConfirmFunc func(d Delivery) (*Attempt, *Transition, error)

// TimelineQuery selects attempt and replay history.
type TimelineQuery struct {
	DeliveryID string
	TenantID   string
	Platform   Platform
	From       time.Time
	To         time.Time
	Limit      int
}

// SLAQuery selects deliveries by ready time for SLA evaluation.
type SLAQuery struct {
	ReadyFrom time.Time // zero means unbounded
	ReadyTo   time.Time // exclusive; zero means unbounded
	OpenOnly  bool      // exclude DELIVERED
	Limit     int

	// After resumes a scan past the (ReadyAt, ID) of the last row seen.
	After *SLACursor
}

type SLACursor struct {
	ReadyAt time.Time
	ID      string
}

// StatusCount is one cell of the backlog breakdown.
type StatusCount struct {
	Platform Platform
	Status   Status
	Count    int
}

type Reader interface {
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, q Query) ([]Delivery, error)
}

type Creator interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
}

// Claimer hands out exclusive claims. ClaimDue increments the attempt counter
// of each claimed row; at most one caller ever receives a given row until it
// leaves IN_FLIGHT.
type Claimer interface {
	ClaimDue(ctx context.Context, req ClaimRequest) ([]Delivery, error)
	ReclaimStuck(ctx context.Context, claimedBefore time.Time, limit int, fn ReclaimFunc) ([]Delivery, error)
}

// AttemptRecorder persists executor results. CompleteAttempt writes the
// attempt and the transition in one transaction, conditioned on the claim.
type AttemptRecorder interface {
	CompleteAttempt(ctx context.Context, c Claim, a Attempt, t Transition) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
}

type Replayer interface {
	Reader
	ReplayDelivery(ctx context.Context, id string, audit ReplayAudit, now time.Time) (*Delivery, error)
}

type Confirmer interface {
	ApplyConfirmation(ctx context.Context, platform Platform, externalRef string, fn ConfirmFunc) (*Delivery, bool, error)
}

type SLASource interface {
	ListForSLA(ctx context.Context, q SLAQuery) ([]Delivery, error)
	CountByStatus(ctx context.Context) ([]StatusCount, error)
	MarkSLAAlert(ctx context.Context, deliveryID, classification string, at time.Time) (bool, error)
}

type History interface {
	ListAttempts(ctx context.Context, q TimelineQuery) ([]Attempt, error)
	ListReplays(ctx context.Context, q TimelineQuery) ([]ReplayAudit, error)
}

// Store is the durable delivery store. Every mutation is atomic per delivery.
type Store interface {
	Reader
	Creator
	Claimer
	AttemptRecorder
	Replayer
	Confirmer
	SLASource
	History
	Ping(ctx context.Context) error
	Close() error
}
