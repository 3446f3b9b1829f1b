package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsGenerator is what the orchestrator reports into.
type MetricsGenerator interface {
	IncStage(stage, status string)
	IncSubmission(operation, status string)
	ObserveInclusion(operation string, waited time.Duration)
	AddGasCost(ledger string, wei float64)
	IncRun(status string)
}

// OrchestratorMetrics contains instrumented metrics incremented by the orchestrator using the methods below
type OrchestratorMetrics struct {
	numRuns        *prometheus.CounterVec
	numStages      *prometheus.CounterVec
	numSubmissions *prometheus.CounterVec
	inclusionWait  *prometheus.HistogramVec
	gasCost        *prometheus.CounterVec
}

const apNamespace = "ap"

func NewOrchestratorMetrics(reg prometheus.Registerer) *OrchestratorMetrics {
	return &OrchestratorMetrics{
		numRuns: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "userops_runs_total",
				Help:      "The number of lifecycle runs by final status",
			}, []string{"status"}),

		numStages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "userops_stage_total",
				Help:      "The number of lifecycle stages executed, by stage and outcome",
			}, []string{"stage", "status"}),

		numSubmissions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "userops_submissions_total",
				Help:      "The number of user operations handed to the bundler, by operation name and outcome",
			}, []string{"operation", "status"}),

		inclusionWait: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Name:      "userops_inclusion_seconds",
				Help:      "Time between submission and a receipt showing up",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"operation"}),

		gasCost: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "userops_cost_total",
				Help:      "Observed cost in base units per ledger (native, entrypoint, token)",
			}, []string{"ledger"}),
	}
}

func (m *OrchestratorMetrics) IncRun(status string) {
	m.numRuns.WithLabelValues(status).Inc()
}

func (m *OrchestratorMetrics) IncStage(stage, status string) {
	m.numStages.WithLabelValues(stage, status).Inc()
}

func (m *OrchestratorMetrics) IncSubmission(operation, status string) {
	m.numSubmissions.WithLabelValues(operation, status).Inc()
}

func (m *OrchestratorMetrics) ObserveInclusion(operation string, waited time.Duration) {
	m.inclusionWait.WithLabelValues(operation).Observe(waited.Seconds())
}

func (m *OrchestratorMetrics) AddGasCost(ledger string, v float64) {
	if v <= 0 {
		return
	}
	m.gasCost.WithLabelValues(ledger).Add(v)
}

type noopMetrics struct{}

func (noopMetrics) IncRun(string)                          {}
func (noopMetrics) IncStage(string, string)                {}
func (noopMetrics) IncSubmission(string, string)           {}
func (noopMetrics) ObserveInclusion(string, time.Duration) {}
func (noopMetrics) AddGasCost(string, float64)             {}

func NewNoopMetrics() MetricsGenerator {
	return noopMetrics{}
}
