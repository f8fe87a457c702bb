package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestMetrics() *Metrics {
	return NewWithRegistry("engine-test", prometheus.NewRegistry())
}

func TestRecordPipelineStage(t *testing.T) {
	m := newTestMetrics()
	m.RecordPipelineStage("readiness", "liveness_probe", 50*time.Millisecond, false)
	m.RecordPipelineStage("termination", "terminate", 10*time.Millisecond, true)
}

func TestRecordAllocationAndClaimConflict(t *testing.T) {
	m := newTestMetrics()
	m.RecordAllocation("pool", "succeeded")
	m.RecordClaimConflict()
}

func TestSetPoolGauges(t *testing.T) {
	m := newTestMetrics()
	m.SetPoolGauges("img-1", 3, 5)
}

func TestRecordExpiredRunner(t *testing.T) {
	m := newTestMetrics()
	m.RecordExpiredRunner()
}

func TestEnabled(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "")
	if !Enabled() {
		t.Error("expected metrics enabled by default")
	}
	t.Setenv("METRICS_ENABLED", "false")
	if Enabled() {
		t.Error("expected metrics disabled when METRICS_ENABLED=false")
	}
}
