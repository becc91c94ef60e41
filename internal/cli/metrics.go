package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/tOgg1/changegate/internal/impact"
	"github.com/tOgg1/changegate/internal/workflow"
)

var (
	metricsLookback   int
	metricsPrometheus bool
	metricsListen     string
)

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().IntVar(&metricsLookback, "hours", 24, "lookback window in hours")
	metricsCmd.Flags().BoolVar(&metricsPrometheus, "prometheus", false, "print metrics in the Prometheus text format")
	metricsCmd.Flags().StringVar(&metricsListen, "listen", "", "serve /metrics on this address until interrupted")
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Summarize change requests over a lookback window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if metricsPrometheus || metricsListen != "" {
				a.registry.MustRegister(workflow.NewCollector(a.workflow, metricsLookback))
				a.registry.MustRegister(cacheCollector{analyzer: a.analyzer})
			}
			if metricsListen != "" {
				return serveMetrics(ctx, a.registry, metricsListen)
			}
			if metricsPrometheus {
				return writePrometheus(cmd.OutOrStdout(), a.registry)
			}

			m, err := a.workflow.GetMetrics(ctx, metricsLookback)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, m)
			}
			return writeMetrics(out, m)
		})
	},
}

func writeMetrics(out io.Writer, m *workflow.Metrics) error {
	if _, err := fmt.Fprintf(out, "Since %s (%dh): %d request(s), approval rate %.0f%%\n\n",
		formatTime(m.Since), m.LookbackHours, m.Total, m.ApprovalRate*100); err != nil {
		return err
	}

	rows := make([][]string, 0)
	for status, n := range m.ByStatus {
		rows = append(rows, []string{"status", styles.StatusBadge(status), fmt.Sprintf("%d", n)})
	}
	for risk, n := range m.ByRiskLevel {
		rows = append(rows, []string{"risk", styles.RiskBadge(risk), fmt.Sprintf("%d", n)})
	}
	for configType, n := range m.ByConfigType {
		rows = append(rows, []string{"type", string(configType), fmt.Sprintf("%d", n)})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i][0] != rows[j][0] {
			return rows[i][0] > rows[j][0]
		}
		return stripANSI(rows[i][1]) < stripANSI(rows[j][1])
	})
	return writeTable(out, []string{"BY", "VALUE", "COUNT"}, rows)
}

// cacheCollector exposes the impact analysis cache counters.
type cacheCollector struct {
	analyzer interface{ CacheStats() impact.CacheStats }
}

func (c cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c cacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.analyzer.CacheStats()
	ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(cacheLookupsDesc, prometheus.CounterValue, float64(stats.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(cacheLookupsDesc, prometheus.CounterValue, float64(stats.Misses), "miss")
}

var (
	cacheEntriesDesc = prometheus.NewDesc("changegate_analysis_cache_entries", "Cached impact analysis results.", nil, nil)
	cacheLookupsDesc = prometheus.NewDesc("changegate_analysis_cache_lookups_total", "Impact analysis cache lookups.", []string{"result"}, nil)
)

func writePrometheus(out io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, registry *prometheus.Registry, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
