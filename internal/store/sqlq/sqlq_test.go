package sqlq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

func TestBuilder(t *testing.T) {
	tests := []struct {
		name      string
		numbered  bool
		wantWhere string
		wantLimit string
	}{
		{
			name:      "question marks",
			wantWhere: " WHERE tenant_id = ? AND status IN (?, ?)",
			wantLimit: "?",
		},
		{
			name:      "numbered",
			numbered:  true,
			wantWhere: " WHERE tenant_id = $1 AND status IN ($2, $3)",
			wantLimit: "$4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.numbered)
			b.Add("tenant_id = ?", "t-1")
			b.In("status", []any{"FAILED", "EXHAUSTED"})
			assert.Equal(t, tt.wantWhere, b.Where())
			assert.Equal(t, tt.wantLimit, b.Next(10))
			assert.Equal(t, []any{"t-1", "FAILED", "EXHAUSTED", 10}, b.Args())
		})
	}
}

func TestBuilder_Empty(t *testing.T) {
	b := New(true)
	assert.Equal(t, "", b.Where())
	b.In("id", nil)
	assert.Equal(t, " WHERE 1 = 0", b.Where())
}

func TestDeliveries(t *testing.T) {
	b := New(true)
	Deliveries(b, delivery.Query{
		TenantID:   "acme",
		Platform:   delivery.PlatformBenevity,
		Statuses:   []delivery.Status{delivery.StatusExhausted},
		PeriodFrom: "2026-01",
		PeriodTo:   "2026-06",
	}, "d.")
	assert.Equal(t, " WHERE d.tenant_id = $1 AND d.platform = $2 AND d.status IN ($3) AND d.period >= $4 AND d.period <= $5", b.Where())
	assert.Len(t, b.Args(), 5)
}

func TestTimelineAndSLA(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := func(t time.Time) any { return t.UnixNano() }

	b := New(false)
	Timeline(b, delivery.TimelineQuery{DeliveryID: "dlv_1", From: from}, "a.started_at", ts)
	assert.Equal(t, " WHERE d.id = ? AND a.started_at >= ?", b.Where())
	assert.Equal(t, []any{"dlv_1", from.UnixNano()}, b.Args())

	b = New(false)
	SLA(b, delivery.SLAQuery{ReadyTo: from, OpenOnly: true}, ts)
	assert.Equal(t, " WHERE ready_at < ? AND status <> ?", b.Where())
}

func TestSLACursor(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := func(t time.Time) any { return t.UnixNano() }

	b := New(true)
	SLA(b, delivery.SLAQuery{OpenOnly: true, After: &delivery.SLACursor{ReadyAt: at, ID: "dlv_9"}}, ts)
	assert.Equal(t, " WHERE status <> $1 AND (ready_at > $2 OR (ready_at = $3 AND id > $4))", b.Where())
	assert.Equal(t, []any{"DELIVERED", at.UnixNano(), at.UnixNano(), "dlv_9"}, b.Args())
}
