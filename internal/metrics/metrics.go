// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry every engine collector is registered on.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

var (
	// ModelCalls counts inference calls by tier, role and outcome.
	ModelCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "research_model_calls_total",
		Help: "Model invocations by tier, role and success",
	}, []string{"tier", "role", "success"})

	// ModelErrors counts failed inference calls by error kind.
	ModelErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "research_model_errors_total",
		Help: "Failed model invocations by tier and error kind",
	}, []string{"tier", "kind"})

	// ModelLatency observes backend latency.
	ModelLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "research_model_latency_seconds",
		Help:    "Model invocation latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"tier"})

	// ModelCostUSD accumulates spend by tier.
	ModelCostUSD = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "research_model_cost_usd_total",
		Help: "Model spend in USD by tier",
	}, []string{"tier"})

	// ProposalsLost counts proposals dropped after failing.
	ProposalsLost = factory.NewCounter(prometheus.CounterOpts{
		Name: "research_proposals_lost_total",
		Help: "Proposals that failed and were skipped",
	})

	// BudgetOverflows counts prompts that had to be trimmed.
	BudgetOverflows = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "research_budget_overflows_total",
		Help: "Prompts trimmed to fit a tier budget, by tier and component",
	}, []string{"tier", "component"})

	// KnowledgeSearches counts knowledge-base lookups by cache outcome.
	KnowledgeSearches = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "research_knowledge_searches_total",
		Help: "Knowledge retrievals by result (hit, miss, error)",
	}, []string{"result"})

	// IterationDuration observes wall time per iteration.
	IterationDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "research_iteration_duration_seconds",
		Help:    "Wall time of one research iteration",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	// SessionsFinished counts sessions reaching a terminal or paused state.
	SessionsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "research_sessions_finished_total",
		Help: "Sessions leaving the active state, by status and early termination",
	}, []string{"status", "early"})

	// ActiveSessions tracks sessions currently running.
	ActiveSessions = factory.NewGauge(prometheus.GaugeOpts{
		Name: "research_sessions_active",
		Help: "Sessions with an iteration loop running",
	})

	// CheckpointWrites counts checkpoint appends by outcome.
	CheckpointWrites = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "research_checkpoint_writes_total",
		Help: "Checkpoint appends by result (ok, conflict, error)",
	}, []string{"result"})

	// ProgressDropped counts progress messages not delivered to a slow subscriber.
	ProgressDropped = factory.NewCounter(prometheus.CounterOpts{
		Name: "research_progress_dropped_total",
		Help: "Progress messages dropped because a subscriber was not reading",
	})

	// LedgerRejections counts reservations refused by the global cap.
	LedgerRejections = factory.NewCounter(prometheus.CounterOpts{
		Name: "research_ledger_rejections_total",
		Help: "Spend reservations refused by the global daily cap",
	})

	// MaintenanceRemoved counts rows removed or archived by retention jobs.
	MaintenanceRemoved = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "research_maintenance_removed_total",
		Help: "Checkpoints pruned and sessions archived by retention jobs",
	}, []string{"job"})
)

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
