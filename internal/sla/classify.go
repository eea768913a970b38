// Package sla measures how long deliveries take from ready to delivered and
// classifies them against per-platform targets.
package sla

import (
	"time"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

type Classification string

const (
	OnTime   Classification = "ON_TIME"
	AtRisk   Classification = "AT_RISK"
	Breached Classification = "BREACHED"
)

// Threshold is a platform's contractual target. Warn must not exceed Breach.
type Threshold struct {
	Warn   time.Duration `json:"warn"`
	Breach time.Duration `json:"breach"`
}

var DefaultThreshold = Threshold{Warn: 4 * time.Hour, Breach: 24 * time.Hour}

// Thresholds maps platforms to targets; unknown platforms use DefaultThreshold.
type Thresholds map[delivery.Platform]Threshold

func (t Thresholds) For(p delivery.Platform) Threshold {
	if th, ok := t[p]; ok && th.Breach > 0 {
		return th
	}
	return DefaultThreshold
}

// minWarn is the youngest age at which any delivery can leave ON_TIME.
func (t Thresholds) minWarn() time.Duration {
	m := DefaultThreshold.Warn
	for _, p := range delivery.AllPlatforms {
		if w := t.For(p).Warn; w < m {
			m = w
		}
	}
	return m
}

// Record is the classification of one delivery at one instant.
type Record struct {
	DeliveryID     string            `json:"delivery_id"`
	TenantID       string            `json:"tenant_id"`
	Platform       delivery.Platform `json:"platform"`
	Period         string            `json:"period"`
	Status         delivery.Status   `json:"status"`
	ReadyAt        time.Time         `json:"ready_at"`
	Elapsed        time.Duration     `json:"elapsed"`
	Classification Classification    `json:"classification"`
}

// Classify judges d against th. A delivered delivery is measured up to its
// completion and is never AT_RISK; anything else is measured up to now.
func Classify(d delivery.Delivery, th Threshold, now time.Time) Record {
	r := Record{
		DeliveryID: d.ID,
		TenantID:   d.TenantID,
		Platform:   d.Platform,
		Period:     d.Period,
		Status:     d.Status,
		ReadyAt:    d.ReadyAt,
	}

	if d.Status == delivery.StatusDelivered && d.CompletedAt != nil {
		r.Elapsed = d.CompletedAt.Sub(d.ReadyAt)
		r.Classification = OnTime
		if r.Elapsed > th.Breach {
			r.Classification = Breached
		}
		return r
	}

	r.Elapsed = now.Sub(d.ReadyAt)
	switch {
	case r.Elapsed > th.Breach:
		r.Classification = Breached
	case r.Elapsed > th.Warn:
		r.Classification = AtRisk
	default:
		r.Classification = OnTime
	}
	return r
}
