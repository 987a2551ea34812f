// Package metrics exposes the orchestrator's ambient prometheus counters:
// turns run, tool calls executed, approvals granted/denied, and compaction
// runs. This is an observability concern, not part of spec's core contract;
// it rides alongside the event log rather than replacing it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector wires a small set of counters/histograms into their own
// registry so an embedding process can expose them however it wants
// (spec §1 explicitly excludes a metrics/admin HTTP surface from core
// scope, so Collector never listens on anything itself).
type Collector struct {
	Registry *prometheus.Registry

	TurnsRun            prometheus.Counter
	ToolCallsExecuted   *prometheus.CounterVec
	ApprovalsGranted    prometheus.Counter
	ApprovalsDenied     prometheus.Counter
	CompactionRuns      prometheus.Counter
	LLMRequestDuration  *prometheus.HistogramVec
}

// New builds a Collector with all metrics registered on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		Registry: reg,
		TurnsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novelaire",
			Name:      "turns_run_total",
			Help:      "Number of model turns whose tool calls the orchestrator dispatched.",
		}),
		ToolCallsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "novelaire",
			Name:      "tool_calls_executed_total",
			Help:      "Number of tool calls executed, labeled by status.",
		}, []string{"status"}),
		ApprovalsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novelaire",
			Name:      "approvals_granted_total",
			Help:      "Number of approvals granted.",
		}),
		ApprovalsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novelaire",
			Name:      "approvals_denied_total",
			Help:      "Number of approvals denied.",
		}),
		CompactionRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novelaire",
			Name:      "compaction_runs_total",
			Help:      "Number of auto-compaction passes run.",
		}),
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "novelaire",
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request latency, labeled by provider_kind and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider_kind", "outcome"}),
	}
	reg.MustRegister(
		c.TurnsRun,
		c.ToolCallsExecuted,
		c.ApprovalsGranted,
		c.ApprovalsDenied,
		c.CompactionRuns,
		c.LLMRequestDuration,
	)
	return c
}
