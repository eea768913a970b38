package delivery

import (
	"crypto/rand"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of a Delivery.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusExhausted Status = "EXHAUSTED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusInFlight, StatusDelivered, StatusFailed, StatusExhausted}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusExhausted
}

// ParseStatus accepts any casing ("failed", "FAILED").
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Reason: "unknown status " + s}
	}
	return st, nil
}

// Outcome classifies a single attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeTransientFailure Outcome = "TRANSIENT_FAILURE"
	OutcomePermanentFailure Outcome = "PERMANENT_FAILURE"
	OutcomeTimeout          Outcome = "TIMEOUT"
)

// Retryable reports whether the outcome may be retried while attempts remain.
func (o Outcome) Retryable() bool {
	return o == OutcomeTransientFailure || o == OutcomeTimeout
}

// Platform names a partner CSR platform integration.
type Platform string

const (
	PlatformBenevity  Platform = "benevity"
	PlatformGoodera   Platform = "goodera"
	PlatformYourCause Platform = "yourcause"
)

var AllPlatforms = []Platform{PlatformBenevity, PlatformGoodera, PlatformYourCause}

func (p Platform) Valid() bool {
	for _, v := range AllPlatforms {
		if p == v {
			return true
		}
	}
	return false
}

func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", &ValidationError{Field: "platform", Reason: "unknown platform " + s}
	}
	return p, nil
}

// AttemptSource records what wrote an attempt row.
type AttemptSource string

const (
	SourceExecutor     AttemptSource = "executor"
	SourceConfirmation AttemptSource = "confirmation"
	SourceReclaim      AttemptSource = "reclaim"
)

// ErrorSummary is the last failure recorded on a delivery.
type ErrorSummary struct {
	Outcome    Outcome `json:"outcome"`
	HTTPStatus int     `json:"http_status,omitempty"`
	Message    string  `json:"message"`
}

// Delivery is one scheduled transmission of one tenant's metrics for one
// period to one platform.
type Delivery struct {
	ID                 string        `json:"id"`
	TenantID           string        `json:"tenant_id"`
	Platform           Platform      `json:"platform"`
	Period             string        `json:"period"`
	Status             Status        `json:"status"`
	AttemptCount       int           `json:"attempt_count"`
	MaxAttempts        int           `json:"max_attempts"`
	Cycle              int           `json:"cycle"`
	NextAttemptAt      *time.Time    `json:"next_attempt_at,omitempty"`
	ReadyAt            time.Time     `json:"ready_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	LastError          *ErrorSummary `json:"last_error,omitempty"`
	PayloadSnapshotRef string        `json:"payload_snapshot_ref,omitempty"`
	ExternalRef        string        `json:"external_ref,omitempty"`
	PartnerRef         string        `json:"partner_ref,omitempty"`
	ReuseSnapshot      bool          `json:"reuse_snapshot,omitempty"`
	ClaimedAt          *time.Time    `json:"claimed_at,omitempty"`
	ClaimedBy          string        `json:"claimed_by,omitempty"`
	ClaimToken         string        `json:"-"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Attempt is an append-only record of one transmission attempt.
type Attempt struct {
	ID            string        `json:"id"`
	DeliveryID    string        `json:"delivery_id"`
	Cycle         int           `json:"cycle"`
	AttemptNumber int           `json:"attempt_number"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	Outcome       Outcome       `json:"outcome"`
	HTTPStatus    int           `json:"http_status,omitempty"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	Source        AttemptSource `json:"source"`
}

// ReplayAudit records an operator-initiated reset.
type ReplayAudit struct {
	ID             string    `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	Cycle          int       `json:"cycle"`
	PreviousStatus Status    `json:"previous_status"`
	InitiatedBy    string    `json:"initiated_by"`
	Reason         string    `json:"reason"`
	ReuseSnapshot  bool      `json:"reuse_snapshot,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Snapshot is the exact payload body sent on an attempt.
type Snapshot struct {
	ID            string    `json:"id"`
	DeliveryID    string    `json:"delivery_id"`
	Cycle         int       `json:"cycle"`
	AttemptNumber int       `json:"attempt_number"`
	Body          []byte    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewID returns a sortable id with the given prefix, e.g. dlv_01J....
func NewID(prefix string) string {
	return prefix + "_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewRequest holds the producer-supplied fields of a new delivery.
type NewRequest struct {
	TenantID    string
	Platform    Platform
	Period      string
	ReadyAt     time.Time
	MaxAttempts int
}

func (r NewRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if !r.Platform.Valid() {
		return &ValidationError{Field: "platform", Reason: "unknown platform " + string(r.Platform)}
	}
	if strings.TrimSpace(r.Period) == "" {
		return &ValidationError{Field: "period", Reason: "required"}
	}
	if r.MaxAttempts < 1 {
		return &ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}
	return nil
}

// New builds a PENDING delivery that is due immediately.
func New(r NewRequest, now time.Time) (*Delivery, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	now = now.UTC()
	ready := r.ReadyAt.UTC()
	if r.ReadyAt.IsZero() {
		ready = now
	}
	id := NewID("dlv")
	next := now
	return &Delivery{
		ID:            id,
		TenantID:      r.TenantID,
		Platform:      r.Platform,
		Period:        r.Period,
		Status:        StatusPending,
		MaxAttempts:   r.MaxAttempts,
		Cycle:         1,
		NextAttemptAt: &next,
		ReadyAt:       ready,
		ExternalRef:   id,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IdempotencyKey identifies one delivery cycle to the partner.
func (d *Delivery) IdempotencyKey() string {
	return d.ID + ":" + strconv.Itoa(d.Cycle)
}
