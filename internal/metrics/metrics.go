package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_deliveries_created_total",
			Help: "Total number of deliveries registered by platform.",
		},
		[]string{"platform"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_attempts_total",
			Help: "Total number of delivery attempts by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)

	AttemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "impactrelay_attempt_duration_seconds",
			Help:    "Time spent transmitting a delivery to its partner.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"platform"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_retries_total",
			Help: "Total number of retries scheduled by reason.",
		},
		[]string{"platform", "reason"}, // http_5xx, http_429, timeout, network, other
	)

	ExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_exhausted_total",
			Help: "Total number of deliveries that ran out of attempts or failed permanently.",
		},
		[]string{"platform", "reason"},
	)

	SchedulerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_scheduler_ticks_total",
			Help: "Total number of scheduler ticks by result.",
		},
		[]string{"result"}, // ok, error
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_claims_total",
			Help: "Total number of deliveries claimed for an attempt.",
		},
		[]string{"platform"},
	)

	ReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "impactrelay_reclaims_total",
			Help: "Total number of stuck in-flight deliveries reclaimed by the sweep.",
		},
	)

	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_concurrency_conflicts_total",
			Help: "Total number of writes abandoned because another actor changed the delivery.",
		},
		[]string{"op"},
	)

	ReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_replays_total",
			Help: "Replay requests by mode and result.",
		},
		[]string{"mode", "result"}, // result: replayed, skipped
	)

	SLAClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_sla_classifications_total",
			Help: "Deliveries classified during SLA checks.",
		},
		[]string{"platform", "classification"},
	)

	SLAAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_sla_alerts_total",
			Help: "SLA alerts emitted.",
		},
		[]string{"platform", "classification"},
	)

	ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_confirmations_total",
			Help: "Inbound partner confirmations by result.",
		},
		[]string{"platform", "result"}, // applied, ignored, rejected
	)

	SignatureFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impactrelay_signature_failures_total",
			Help: "Inbound webhooks rejected for a bad signature.",
		},
		[]string{"platform"},
	)

	Backlog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "impactrelay_deliveries_backlog",
			Help: "Deliveries per platform and status at the last SLA check.",
		},
		[]string{"platform", "status"},
	)

	DeadLettersPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "impactrelay_dead_letters_published_total",
			Help: "Dead-letter messages published for exhausted deliveries.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		DeliveriesCreatedTotal,
		AttemptsTotal,
		AttemptLatency,
		RetriesTotal,
		ExhaustedTotal,
		SchedulerTicksTotal,
		ClaimsTotal,
		ReclaimsTotal,
		ConflictsTotal,
		ReplaysTotal,
		SLAClassificationsTotal,
		SLAAlertsTotal,
		ConfirmationsTotal,
		SignatureFailuresTotal,
		Backlog,
		DeadLettersPublishedTotal,
	)
}

func RecordDeliveryCreated(platform string) {
	DeliveriesCreatedTotal.WithLabelValues(platform).Inc()
}

func RecordAttempt(platform, outcome string, took time.Duration) {
	AttemptsTotal.WithLabelValues(platform, outcome).Inc()
	AttemptLatency.WithLabelValues(platform).Observe(took.Seconds())
}

func RecordRetry(platform, reason string) {
	RetriesTotal.WithLabelValues(platform, reason).Inc()
}

func RecordExhausted(platform, reason string) {
	ExhaustedTotal.WithLabelValues(platform, reason).Inc()
}

func RecordTick(result string) {
	SchedulerTicksTotal.WithLabelValues(result).Inc()
}

func RecordClaims(platform string, n int) {
	ClaimsTotal.WithLabelValues(platform).Add(float64(n))
}

func RecordReclaims(n int) {
	ReclaimsTotal.Add(float64(n))
}

func RecordConflict(op string) {
	ConflictsTotal.WithLabelValues(op).Inc()
}

func RecordReplay(mode string, replayed, skipped int) {
	ReplaysTotal.WithLabelValues(mode, "replayed").Add(float64(replayed))
	ReplaysTotal.WithLabelValues(mode, "skipped").Add(float64(skipped))
}

func RecordSLAClassification(platform, classification string) {
	SLAClassificationsTotal.WithLabelValues(platform, classification).Inc()
}

func RecordSLAAlert(platform, classification string) {
	SLAAlertsTotal.WithLabelValues(platform, classification).Inc()
}

func RecordConfirmation(platform, result string) {
	ConfirmationsTotal.WithLabelValues(platform, result).Inc()
}

func RecordSignatureFailure(platform string) {
	SignatureFailuresTotal.WithLabelValues(platform).Inc()
}

func SetBacklog(platform, status string, n int) {
	Backlog.WithLabelValues(platform, status).Set(float64(n))
}

func RecordDeadLetter() {
	DeadLettersPublishedTotal.Inc()
}
