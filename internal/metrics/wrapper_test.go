package metrics

import (
	"testing"

	"autoflow/internal/audit"
	"autoflow/internal/control"
	"autoflow/internal/ml"
	"autoflow/internal/tags"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	_ tags.MetricsInterface    = (*Metrics)(nil)
	_ ml.MetricsInterface      = (*Metrics)(nil)
	_ audit.MetricsInterface   = (*Metrics)(nil)
	_ control.MetricsInterface = (*Metrics)(nil)
)

func TestNewWithRegistry_Isolated(t *testing.T) {
	// two registries must not collide on registration
	a := NewWithRegistry(prometheus.NewRegistry())
	b := NewWithRegistry(prometheus.NewRegistry())

	a.TagReadsInc()
	if got := testutil.ToFloat64(a.TagReads); got != 1 {
		t.Errorf("expected 1 read on first registry, got %f", got)
	}
	if got := testutil.ToFloat64(b.TagReads); got != 0 {
		t.Errorf("expected 0 reads on second registry, got %f", got)
	}
}

func TestTagMetrics(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.TagWritesInc()
	m.TagErrorsInc("connection")
	m.TagErrorsInc("connection")
	m.TagErrorsInc("tag")
	m.ReconnectsInc()

	if got := testutil.ToFloat64(m.TagWrites); got != 1 {
		t.Errorf("expected 1 write, got %f", got)
	}
	if got := testutil.ToFloat64(m.TagErrors.WithLabelValues("connection")); got != 2 {
		t.Errorf("expected 2 connection errors, got %f", got)
	}
	if got := testutil.ToFloat64(m.TagErrors.WithLabelValues("tag")); got != 1 {
		t.Errorf("expected 1 tag error, got %f", got)
	}
	if got := testutil.ToFloat64(m.Reconnects); got != 1 {
		t.Errorf("expected 1 reconnect, got %f", got)
	}
}

func TestMLMetrics(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.MLPredictionsInc()
	m.MLFailuresInc()
	m.MLModelAgeSet(3600)
	m.MLLatencyObserve(0.0002)
	m.MLPredictionScoresObserve(25.2)

	if got := testutil.ToFloat64(m.MLPredictions); got != 1 {
		t.Errorf("expected 1 prediction, got %f", got)
	}
	if got := testutil.ToFloat64(m.MLFailures); got != 1 {
		t.Errorf("expected 1 failure, got %f", got)
	}
	if got := testutil.ToFloat64(m.MLModelAge); got != 3600 {
		t.Errorf("expected model age 3600, got %f", got)
	}
	if n := testutil.CollectAndCount(m.MLLatency); n != 1 {
		t.Errorf("expected latency histogram to be collected, got %d", n)
	}
}

func TestAuditMetrics(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.AuditWritesInc("reading")
	m.AuditWritesInc("reading")
	m.AuditWritesInc("action")
	m.AuditFailuresInc()
	m.AuditDroppedInc("retry_overflow")
	m.AuditRetryDepthSet(7)

	if got := testutil.ToFloat64(m.AuditWrites.WithLabelValues("reading")); got != 2 {
		t.Errorf("expected 2 reading writes, got %f", got)
	}
	if got := testutil.ToFloat64(m.AuditDropped.WithLabelValues("retry_overflow")); got != 1 {
		t.Errorf("expected 1 drop, got %f", got)
	}
	if got := testutil.ToFloat64(m.AuditRetryDepth); got != 7 {
		t.Errorf("expected retry depth 7, got %f", got)
	}
}

func TestLoopMetrics(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.CyclesInc("ok")
	m.CyclesInc("failed")
	m.CycleFailuresInc("connection")
	m.CycleDurationObserve(0.01)
	m.ConsecutiveFailuresSet(1)
	m.ActionsInc("CoolingValve", "applied")

	if got := testutil.ToFloat64(m.Cycles.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 ok cycle, got %f", got)
	}
	if got := testutil.ToFloat64(m.CycleFailures.WithLabelValues("connection")); got != 1 {
		t.Errorf("expected 1 connection failure, got %f", got)
	}
	if got := testutil.ToFloat64(m.Actions.WithLabelValues("CoolingValve", "applied")); got != 1 {
		t.Errorf("expected 1 applied action, got %f", got)
	}
}

func TestLoopStateSet_SingleActiveState(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.LoopStateSet("Polling")
	m.LoopStateSet("Idle")

	if got := testutil.ToFloat64(m.LoopState.WithLabelValues("Idle")); got != 1 {
		t.Errorf("expected Idle to be active, got %f", got)
	}
	// Reset removed the previous series; WithLabelValues recreates it at 0
	if got := testutil.ToFloat64(m.LoopState.WithLabelValues("Polling")); got != 0 {
		t.Errorf("expected Polling to be inactive, got %f", got)
	}
}
