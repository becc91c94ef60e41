package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "changegate"

type metrics struct {
	created          *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	executions       *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	analysisFailures *prometheus.CounterVec
}

// newMetrics registers the workflow collectors on reg. A nil reg keeps the
// collectors unregistered, which tests and one-shot CLI runs rely on.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "change_requests_created_total",
			Help:      "Change requests created, by config type and risk level.",
		}, []string{"config_type", "risk_level"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "change_request_transitions_total",
			Help:      "Change request status transitions.",
		}, []string{"from", "to"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "approval_decisions_total",
			Help:      "Approval decisions recorded, by decision.",
		}, []string{"decision"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_total",
			Help:      "Change executions, by outcome.",
		}, []string{"outcome"}),
		analysisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "impact_analysis_duration_seconds",
			Help:      "Impact analysis latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"config_type"}),
		analysisFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "impact_analysis_failures_total",
			Help:      "Impact analyses that fell back to the conservative result.",
		}, []string{"config_type"}),
	}
}
