package delivery

import (
	"sort"
	"time"
)

const (
	EventAttempt = "attempt"
	EventReplay  = "replay"
)

// TimelineEvent is one entry of a delivery's chronological history.
type TimelineEvent struct {
	At         time.Time    `json:"at"`
	Kind       string       `json:"kind"`
	DeliveryID string       `json:"delivery_id"`
	Cycle      int          `json:"cycle"`
	Attempt    *Attempt     `json:"attempt,omitempty"`
	Replay     *ReplayAudit `json:"replay,omitempty"`
}

// BuildTimeline merges attempts and replay audits in chronological order. On
// equal timestamps a replay sorts before attempts.
func BuildTimeline(attempts []Attempt, replays []ReplayAudit) []TimelineEvent {
	events := make([]TimelineEvent, 0, len(attempts)+len(replays))
	for i := range attempts {
		a := attempts[i]
		events = append(events, TimelineEvent{At: a.StartedAt, Kind: EventAttempt, DeliveryID: a.DeliveryID, Cycle: a.Cycle, Attempt: &a})
	}
	for i := range replays {
		r := replays[i]
		events = append(events, TimelineEvent{At: r.CreatedAt, Kind: EventReplay, DeliveryID: r.DeliveryID, Cycle: r.Cycle, Replay: &r})
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if a.Kind != b.Kind {
			return a.Kind == EventReplay
		}
		if a.Cycle != b.Cycle {
			return a.Cycle < b.Cycle
		}
		if a.Attempt != nil && b.Attempt != nil {
			return a.Attempt.AttemptNumber < b.Attempt.AttemptNumber
		}
		return false
	})
	return events
}
