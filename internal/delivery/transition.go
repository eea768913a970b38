package delivery

import "time"

// Transition is the delivery state written atomically with an attempt row.
type Transition struct {
	Status        Status
	NextAttemptAt *time.Time
	CompletedAt   *time.Time
	LastError     *ErrorSummary
	PartnerRef    string // empty keeps the stored value
	SnapshotRef   string // empty keeps the stored value

	// Snapshot, when set, is inserted in the same transaction as the outcome.
	Snapshot *Snapshot
}

// Decide maps the outcome of attempt d.AttemptCount on a claimed delivery to
// its next state.
//
//   - SUCCESS                                   -> DELIVERED
//   - TRANSIENT_FAILURE/TIMEOUT, attempts left  -> FAILED, retry after backoff
//   - TRANSIENT_FAILURE/TIMEOUT at max, or
//     PERMANENT_FAILURE                         -> EXHAUSTED
func Decide(d *Delivery, outcome Outcome, httpStatus int, detail string, now time.Time, b Backoff) Transition {
	now = now.UTC()
	if outcome == OutcomeSuccess {
		return Transition{Status: StatusDelivered, CompletedAt: &now}
	}

	last := &ErrorSummary{Outcome: outcome, HTTPStatus: httpStatus, Message: detail}
	if outcome.Retryable() && d.AttemptCount < d.MaxAttempts {
		next := now.Add(b.Next(d.AttemptCount))
		return Transition{Status: StatusFailed, NextAttemptAt: &next, LastError: last}
	}
	return Transition{Status: StatusExhausted, LastError: last}
}
