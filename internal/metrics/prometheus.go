// Package metrics exposes planner activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage names used as the "stage" label.
const (
	StageCompile  = "compile"
	StageChain    = "chain"
	StageHistory  = "history"
	StageGraph    = "graph"
	StageRank     = "rank"
	StageSchedule = "schedule"
)

// PrometheusMetrics holds all Prometheus metrics for the planner.
type PrometheusMetrics struct {
	PlansTotal    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	RPCLatency    *prometheus.HistogramVec

	// Shape of the most recent completed plan.
	PlanBatches   prometheus.Gauge
	PlanFunctions prometheus.Gauge
	PlanVariables prometheus.Gauge

	HistoryTransactions prometheus.Histogram
	IgnoredSelectors    prometheus.Counter
	AdvisoriesTotal     *prometheus.CounterVec
	HistoryCache        *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		PlansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planner_plans_total",
				Help: "Plans produced, by outcome",
			},
			[]string{"status"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planner_stage_duration_seconds",
				Help:    "Duration of each pipeline stage",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"stage"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planner_rpc_latency_seconds",
				Help:    "RPC call latency by method, including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10},
			},
			[]string{"method", "status"},
		),

		PlanBatches: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "planner_last_plan_batches",
				Help: "Batch count of the most recent plan",
			},
		),

		PlanFunctions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "planner_last_plan_functions",
				Help: "Function count of the most recent plan",
			},
		),

		PlanVariables: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "planner_last_plan_variables",
				Help: "Scheduled state variable count of the most recent plan",
			},
		),

		HistoryTransactions: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "planner_history_transactions",
				Help:    "Transactions sampled per plan",
				Buckets: []float64{0, 1, 10, 25, 50, 100, 250, 1000},
			},
		),

		IgnoredSelectors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "planner_ignored_selector_calls_total",
				Help: "Sampled calls whose selector matched no function",
			},
		),

		AdvisoriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planner_advisories_total",
				Help: "Advisories reported, by kind",
			},
			[]string{"kind"},
		),

		HistoryCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planner_history_cache_total",
				Help: "Selector history cache lookups, by result",
			},
			[]string{"result"},
		),
	}
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_blockNumber":            true,
	"eth_getBlockByNumber":       true,
	"batch:eth_getBlockByNumber": true,
}

// ObserveRPC records RPC call latency. It satisfies rpc.Observer.
func (m *PrometheusMetrics) ObserveRPC(method string, d time.Duration, err error) {
	if !knownRPCMethods[method] {
		method = "other"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(method, status).Observe(d.Seconds())
}

// ObserveStage records how long a pipeline stage took.
func (m *PrometheusMetrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordPlan records a finished plan and, on success, its shape.
func (m *PrometheusMetrics) RecordPlan(success bool, batches, functions, variables int) {
	if !success {
		m.PlansTotal.WithLabelValues("failed").Inc()
		return
	}
	m.PlansTotal.WithLabelValues("completed").Inc()
	m.PlanBatches.Set(float64(batches))
	m.PlanFunctions.Set(float64(functions))
	m.PlanVariables.Set(float64(variables))
}

// RecordHistory records the size of a sampled history and how many of its
// calls matched no function.
func (m *PrometheusMetrics) RecordHistory(sampled, ignored int) {
	m.HistoryTransactions.Observe(float64(sampled))
	m.IgnoredSelectors.Add(float64(ignored))
}

// RecordAdvisory counts one advisory.
func (m *PrometheusMetrics) RecordAdvisory(kind string) {
	m.AdvisoriesTotal.WithLabelValues(kind).Inc()
}

// RecordCache counts a history cache hit or miss.
func (m *PrometheusMetrics) RecordCache(hit bool) {
	if hit {
		m.HistoryCache.WithLabelValues("hit").Inc()
		return
	}
	m.HistoryCache.WithLabelValues("miss").Inc()
}
