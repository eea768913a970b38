package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Record some values so vector metrics appear in Gather()
	RecordDeliveryCreated("benevity")
	RecordAttempt("benevity", "SUCCESS", 100*time.Millisecond)
	RecordRetry("benevity", "http_5xx")
	RecordExhausted("benevity", "max_attempts")
	RecordTick("ok")
	RecordClaims("benevity", 2)
	RecordReclaims(1)
	RecordConflict("complete_attempt")
	RecordReplay("single", 1, 0)
	RecordSLAClassification("benevity", "AT_RISK")
	RecordSLAAlert("benevity", "AT_RISK")
	RecordConfirmation("benevity", "applied")
	RecordSignatureFailure("benevity")
	SetBacklog("benevity", "PENDING", 3)
	RecordDeadLetter()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	got := make(map[string]bool, len(families))
	for _, mf := range families {
		got[mf.GetName()] = true
	}
	expected := []string{
		"impactrelay_deliveries_created_total",
		"impactrelay_attempts_total",
		"impactrelay_attempt_duration_seconds",
		"impactrelay_retries_total",
		"impactrelay_exhausted_total",
		"impactrelay_scheduler_ticks_total",
		"impactrelay_claims_total",
		"impactrelay_reclaims_total",
		"impactrelay_concurrency_conflicts_total",
		"impactrelay_replays_total",
		"impactrelay_sla_classifications_total",
		"impactrelay_sla_alerts_total",
		"impactrelay_confirmations_total",
		"impactrelay_signature_failures_total",
		"impactrelay_deliveries_backlog",
		"impactrelay_dead_letters_published_total",
	}
	for _, name := range expected {
		if !got[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestMustRegisterTwicePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected a panic on duplicate registration")
		}
	}()
	MustRegister(reg)
}

func TestRecordAttempt(t *testing.T) {
	before := testutil.ToFloat64(AttemptsTotal.WithLabelValues("goodera", "TIMEOUT"))
	RecordAttempt("goodera", "TIMEOUT", 2*time.Second)
	RecordAttempt("goodera", "TIMEOUT", time.Second)
	after := testutil.ToFloat64(AttemptsTotal.WithLabelValues("goodera", "TIMEOUT"))
	if after-before != 2 {
		t.Errorf("attempts delta = %v, want 2", after-before)
	}
}

func TestRecordReplay(t *testing.T) {
	replayedBefore := testutil.ToFloat64(ReplaysTotal.WithLabelValues("bulk", "replayed"))
	skippedBefore := testutil.ToFloat64(ReplaysTotal.WithLabelValues("bulk", "skipped"))

	RecordReplay("bulk", 4, 1)

	if d := testutil.ToFloat64(ReplaysTotal.WithLabelValues("bulk", "replayed")) - replayedBefore; d != 4 {
		t.Errorf("replayed delta = %v, want 4", d)
	}
	if d := testutil.ToFloat64(ReplaysTotal.WithLabelValues("bulk", "skipped")) - skippedBefore; d != 1 {
		t.Errorf("skipped delta = %v, want 1", d)
	}
}

func TestSetBacklog(t *testing.T) {
	SetBacklog("yourcause", "FAILED", 7)
	SetBacklog("yourcause", "FAILED", 2)
	if got := testutil.ToFloat64(Backlog.WithLabelValues("yourcause", "FAILED")); got != 2 {
		t.Errorf("backlog = %v, want 2", got)
	}
}

func TestMetricHelpText(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(SchedulerTicksTotal)
	RecordTick("ok")

	expected := `
# HELP impactrelay_scheduler_ticks_total Total number of scheduler ticks by result.
# TYPE impactrelay_scheduler_ticks_total counter
`
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != 1 {
		t.Fatalf("got %d families", len(families))
	}
	if !strings.Contains(expected, families[0].GetHelp()) {
		t.Errorf("help = %q", families[0].GetHelp())
	}
}
