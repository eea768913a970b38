// Package sqlq builds the dynamic WHERE clauses shared by the SQL stores.
package sqlq

import (
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

// Builder accumulates AND-ed conditions written with "?" markers. When
// numbered, markers are rewritten to $1, $2, ... for Postgres.
type Builder struct {
	numbered bool
	conds    []string
	args     []any
}

func New(numbered bool) *Builder {
	return &Builder{numbered: numbered}
}

// Add appends a condition; each "?" in cond consumes one arg.
func (b *Builder) Add(cond string, args ...any) {
	if !b.numbered {
		b.conds = append(b.conds, cond)
		b.args = append(b.args, args...)
		return
	}
	var sb strings.Builder
	n := len(b.args)
	for _, r := range cond {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	b.conds = append(b.conds, sb.String())
	b.args = append(b.args, args...)
}

// In appends "col IN (...)". An empty list matches nothing.
func (b *Builder) In(col string, vals []any) {
	if len(vals) == 0 {
		b.conds = append(b.conds, "1 = 0")
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
	b.Add(col+" IN ("+marks+")", vals...)
}

// Next registers arg and returns its placeholder, for LIMIT/OFFSET and the
// like.
func (b *Builder) Next(arg any) string {
	b.args = append(b.args, arg)
	if !b.numbered {
		return "?"
	}
	return "$" + strconv.Itoa(len(b.args))
}

// Where returns " WHERE c1 AND c2 ..." or "" when empty.
func (b *Builder) Where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

func (b *Builder) Args() []any {
	return b.args
}

// Deliveries adds the filters of q; prefix qualifies columns ("d." or "").
func Deliveries(b *Builder, q delivery.Query, prefix string) {
	if len(q.IDs) > 0 {
		b.In(prefix+"id", strs(q.IDs))
	}
	if q.TenantID != "" {
		b.Add(prefix+"tenant_id = ?", q.TenantID)
	}
	if q.Platform != "" {
		b.Add(prefix+"platform = ?", string(q.Platform))
	}
	if len(q.Statuses) > 0 {
		vals := make([]any, 0, len(q.Statuses))
		for _, s := range q.Statuses {
			vals = append(vals, string(s))
		}
		b.In(prefix+"status", vals)
	}
	if q.Period != "" {
		b.Add(prefix+"period = ?", q.Period)
	}
	if q.PeriodFrom != "" {
		b.Add(prefix+"period >= ?", q.PeriodFrom)
	}
	if q.PeriodTo != "" {
		b.Add(prefix+"period <= ?", q.PeriodTo)
	}
}

// Timeline adds the filters of q. tsCol is the event time column and ts
// converts times to the store's representation.
func Timeline(b *Builder, q delivery.TimelineQuery, tsCol string, ts func(time.Time) any) {
	if q.DeliveryID != "" {
		b.Add("d.id = ?", q.DeliveryID)
	}
	if q.TenantID != "" {
		b.Add("d.tenant_id = ?", q.TenantID)
	}
	if q.Platform != "" {
		b.Add("d.platform = ?", string(q.Platform))
	}
	if !q.From.IsZero() {
		b.Add(tsCol+" >= ?", ts(q.From))
	}
	if !q.To.IsZero() {
		b.Add(tsCol+" < ?", ts(q.To))
	}
}

// SLA adds the filters of q on the deliveries table.
func SLA(b *Builder, q delivery.SLAQuery, ts func(time.Time) any) {
	if !q.ReadyFrom.IsZero() {
		b.Add("ready_at >= ?", ts(q.ReadyFrom))
	}
	if !q.ReadyTo.IsZero() {
		b.Add("ready_at < ?", ts(q.ReadyTo))
	}
	if q.OpenOnly {
		b.Add("status <> ?", string(delivery.StatusDelivered))
	}
	if q.After != nil {
		at := ts(q.After.ReadyAt)
		b.Add("(ready_at > ? OR (ready_at = ? AND id > ?))", at, at, q.After.ID)
	}
}

func strs(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
