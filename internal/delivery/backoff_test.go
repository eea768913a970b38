package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 30 * time.Second, Cap: 10 * time.Minute}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 10 * time.Minute},
		{60, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestBackoffMonotonicUpToCap(t *testing.T) {
	b := DefaultBackoff()
	prev := time.Duration(0)
	for n := 1; n <= 200; n++ {
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, b.Cap, "attempt %d", n)
		prev = d
	}
	assert.Equal(t, b.Cap, prev)
}

func TestBackoffUncapped(t *testing.T) {
	b := Backoff{Base: time.Second}
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Greater(t, b.Delay(100), time.Duration(0))
}

func TestBackoffJitterBounds(t *testing.T) {
	tests := []struct {
		name string
		r    float64
		n    int
		want time.Duration
	}{
		{"no jitter draw", 0, 2, time.Minute},
		{"half jitter", 0.5, 2, time.Minute + 6*time.Second},
		{"near max jitter", 0.999999, 1, 30*time.Second + 5999999*time.Microsecond},
		{"clamped at cap", 0.9, 20, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := DefaultBackoff()
			b.Rand = func() float64 { return tt.r }
			got := b.Next(tt.n)
			assert.InDelta(t, float64(tt.want), float64(got), float64(time.Millisecond))
		})
	}
}

func TestBackoffJitterRange(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 500; i++ {
		d := b.Next(3)
		base := b.Delay(3)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/5)
	}
}
