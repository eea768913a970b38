package delivery

import "time"

const DLQType = "delivery.exhausted"

// DeadLetter is published when a delivery becomes EXHAUSTED.
type DeadLetter struct {
	Type       string   `json:"type"`    // "delivery.exhausted"
	Version    string   `json:"version"` // schema version
	At         string   `json:"at"`      // RFC3339 time the dead letter was emitted
	Reason     string   `json:"reason"`
	Attempt    int      `json:"attempt"` // attempt count when exhausted
	Cycle      int      `json:"cycle"`
	HTTPStatus int      `json:"http_status,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	Delivery   Delivery `json:"delivery"`
}

func NewDeadLetter(d Delivery, reason string, at time.Time) DeadLetter {
	dl := DeadLetter{
		Type:     DLQType,
		Version:  "v1",
		At:       at.UTC().Format(time.RFC3339Nano),
		Reason:   reason,
		Attempt:  d.AttemptCount,
		Cycle:    d.Cycle,
		Delivery: d,
	}
	if d.LastError != nil {
		dl.HTTPStatus = d.LastError.HTTPStatus
		dl.LastError = d.LastError.Message
	}
	return dl
}
