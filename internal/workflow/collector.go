package workflow

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports request aggregates computed at scrape time.
type Collector struct {
	svc      *Service
	lookback int
	timeout  time.Duration

	requests     *prometheus.Desc
	byRisk       *prometheus.Desc
	byConfigType *prometheus.Desc
	approvalRate *prometheus.Desc
	scrapeErrors prometheus.Counter
}

// NewCollector returns a collector over requests created in the last
// lookbackHours.
func NewCollector(svc *Service, lookbackHours int) *Collector {
	return &Collector{
		svc:      svc,
		lookback: lookbackHours,
		timeout:  5 * time.Second,
		requests: prometheus.NewDesc(
			"changegate_requests",
			"Change requests created within the lookback window, by status.",
			[]string{"status"}, nil,
		),
		byRisk: prometheus.NewDesc(
			"changegate_requests_by_risk",
			"Change requests created within the lookback window, by risk level.",
			[]string{"risk_level"}, nil,
		),
		byConfigType: prometheus.NewDesc(
			"changegate_requests_by_config_type",
			"Change requests created within the lookback window, by config type.",
			[]string{"config_type"}, nil,
		),
		approvalRate: prometheus.NewDesc(
			"changegate_approval_rate",
			"Share of decided requests that were approved.",
			nil, nil,
		),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "changegate",
			Name:      "collector_errors_total",
			Help:      "Failed aggregate queries during scrapes.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.byRisk
	ch <- c.byConfigType
	ch <- c.approvalRate
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	m, err := c.svc.GetMetrics(ctx, c.lookback)
	if err != nil {
		c.svc.logger.Warn().Err(err).Msg("metrics scrape failed")
		c.scrapeErrors.Inc()
		c.scrapeErrors.Collect(ch)
		return
	}
	for status, n := range m.ByStatus {
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.GaugeValue, float64(n), string(status))
	}
	for risk, n := range m.ByRiskLevel {
		ch <- prometheus.MustNewConstMetric(c.byRisk, prometheus.GaugeValue, float64(n), string(risk))
	}
	for configType, n := range m.ByConfigType {
		ch <- prometheus.MustNewConstMetric(c.byConfigType, prometheus.GaugeValue, float64(n), string(configType))
	}
	ch <- prometheus.MustNewConstMetric(c.approvalRate, prometheus.GaugeValue, m.ApprovalRate)
	c.scrapeErrors.Collect(ch)
}
