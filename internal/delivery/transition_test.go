package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	b := Backoff{Base: time.Minute, Cap: time.Hour}

	tests := []struct {
		name      string
		attempts  int
		max       int
		outcome   Outcome
		status    int
		want      Status
		wantRetry time.Duration
	}{
		{name: "success", attempts: 1, max: 3, outcome: OutcomeSuccess, status: 200, want: StatusDelivered},
		{name: "transient with attempts left", attempts: 1, max: 3, outcome: OutcomeTransientFailure, status: 503, want: StatusFailed, wantRetry: time.Minute},
		{name: "timeout with attempts left", attempts: 2, max: 3, outcome: OutcomeTimeout, want: StatusFailed, wantRetry: 2 * time.Minute},
		{name: "transient at max", attempts: 3, max: 3, outcome: OutcomeTransientFailure, status: 500, want: StatusExhausted},
		{name: "permanent on first attempt", attempts: 1, max: 3, outcome: OutcomePermanentFailure, status: 422, want: StatusExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Delivery{AttemptCount: tt.attempts, MaxAttempts: tt.max}
			tr := Decide(d, tt.outcome, tt.status, "detail", now, b)

			assert.Equal(t, tt.want, tr.Status)
			switch tt.want {
			case StatusDelivered:
				require.NotNil(t, tr.CompletedAt)
				assert.Equal(t, now, *tr.CompletedAt)
				assert.Nil(t, tr.LastError)
				assert.Nil(t, tr.NextAttemptAt)
			case StatusFailed:
				require.NotNil(t, tr.NextAttemptAt)
				assert.Equal(t, now.Add(tt.wantRetry), *tr.NextAttemptAt)
				assert.Nil(t, tr.CompletedAt)
				require.NotNil(t, tr.LastError)
				assert.Equal(t, tt.outcome, tr.LastError.Outcome)
			case StatusExhausted:
				assert.Nil(t, tr.NextAttemptAt)
				assert.Nil(t, tr.CompletedAt)
				require.NotNil(t, tr.LastError)
				assert.Equal(t, tt.status, tr.LastError.HTTPStatus)
			}
		})
	}
}

func TestBuildTimeline(t *testing.T) {
	t0 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	attempts := []Attempt{
		{DeliveryID: "d", Cycle: 2, AttemptNumber: 1, StartedAt: t0.Add(3 * time.Minute)},
		{DeliveryID: "d", Cycle: 1, AttemptNumber: 2, StartedAt: t0.Add(time.Minute)},
		{DeliveryID: "d", Cycle: 1, AttemptNumber: 1, StartedAt: t0},
	}
	replays := []ReplayAudit{{DeliveryID: "d", Cycle: 2, CreatedAt: t0.Add(2 * time.Minute)}}

	events := BuildTimeline(attempts, replays)
	require.Len(t, events, 4)

	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{EventAttempt, EventAttempt, EventReplay, EventAttempt}, kinds)
	assert.Equal(t, 1, events[0].Attempt.AttemptNumber)
	assert.Equal(t, 2, events[1].Attempt.AttemptNumber)
	assert.Equal(t, 2, events[3].Cycle)
}
