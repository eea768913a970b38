package delivery

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict is returned when a conditional write loses a race,
// e.g. an executor whose claim was reclaimed by the stuck-attempt sweep.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ValidationError reports malformed input. It never causes a state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown delivery id or external reference.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// TransientDeliveryError is a retryable transmission failure: network
// error, timeout, 5xx or 429.
type TransientDeliveryError struct {
	HTTPStatus int
	Timeout    bool
	Err        error
}

func (e *TransientDeliveryError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("transient: timeout: %v", e.Err)
	case e.HTTPStatus != 0:
		return fmt.Sprintf("transient: partner returned %d", e.HTTPStatus)
	default:
		return fmt.Sprintf("transient: %v", e.Err)
	}
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError is a non-retryable failure: a 4xx other than 429,
// an invalid payload, or a payload builder error.
type PermanentDeliveryError struct {
	HTTPStatus int
	Err        error
}

func (e *PermanentDeliveryError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("permanent: partner returned %d", e.HTTPStatus)
	}
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// ConcurrencyConflict carries the delivery whose conditional update lost.
type ConcurrencyConflict struct {
	DeliveryID string
	Op         string
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.DeliveryID, ErrConcurrencyConflict)
}

func (e *ConcurrencyConflict) Is(target error) bool { return target == ErrConcurrencyConflict }

// SignatureVerificationError rejects an inbound confirmation.
type SignatureVerificationError struct {
	Platform Platform
	Reason   string
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("signature verification failed for %s: %s", e.Platform, e.Reason)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

func IsSignature(err error) bool {
	var s *SignatureVerificationError
	return errors.As(err, &s)
}
