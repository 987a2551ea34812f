package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCollectorCountersIncrement(t *testing.T) {
	c := New()
	c.TurnsRun.Inc()
	c.TurnsRun.Inc()
	if got := counterValue(t, c.TurnsRun); got != 2 {
		t.Fatalf("expected 2 turns run, got %v", got)
	}

	c.ApprovalsGranted.Inc()
	if got := counterValue(t, c.ApprovalsGranted); got != 1 {
		t.Fatalf("expected 1 approval granted, got %v", got)
	}

	c.ToolCallsExecuted.WithLabelValues("succeeded").Inc()
	c.ToolCallsExecuted.WithLabelValues("failed").Inc()
	if got := counterValue(t, c.ToolCallsExecuted.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("expected 1 succeeded tool call, got %v", got)
	}
}

func TestCollectorRegistersOnOwnRegistry(t *testing.T) {
	c := New()
	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metric families")
	}
}
