// Package observability collects the metrics of one materialization run and
// pushes them to a Prometheus Pushgateway.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// DefaultJob is the Pushgateway job name used when none is configured.
const DefaultJob = "castorsql"

// RunMetrics holds the collectors of a single run. Each run gets its own
// registry so that nothing leaks between runs in the same process.
type RunMetrics struct {
	registry *prometheus.Registry

	rowsWritten      prometheus.Counter
	insertFailures   prometheus.Counter
	coercionFailures *prometheus.CounterVec
	columns          prometheus.Gauge
	records          prometheus.Gauge
	duration         prometheus.Gauge
	lastSuccess      prometheus.Gauge
}

// NewRunMetrics creates the collectors on a fresh registry.
func NewRunMetrics() *RunMetrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &RunMetrics{
		registry: reg,
		rowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "castorsql_rows_written_total",
			Help: "Rows inserted into the output table",
		}),
		insertFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "castorsql_insert_failures_total",
			Help: "Rows whose insert failed and were skipped",
		}),
		coercionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castorsql_coercion_failures_total",
			Help: "Cells stored as raw text because the value did not match the column type",
		}, []string{"column"}),
		columns: f.NewGauge(prometheus.GaugeOpts{
			Name: "castorsql_columns",
			Help: "Columns in the field dictionary",
		}),
		records: f.NewGauge(prometheus.GaugeOpts{
			Name: "castorsql_records",
			Help: "Records in the field dictionary",
		}),
		duration: f.NewGauge(prometheus.GaugeOpts{
			Name: "castorsql_run_duration_seconds",
			Help: "Wall time of the run",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "castorsql_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RowWritten counts one inserted row.
func (m *RunMetrics) RowWritten() {
	m.rowsWritten.Inc()
}

// InsertFailed counts one skipped row.
func (m *RunMetrics) InsertFailed() {
	m.insertFailures.Inc()
}

// CoercionFailed counts one cell stored raw in column.
func (m *RunMetrics) CoercionFailed(column string) {
	m.coercionFailures.WithLabelValues(column).Inc()
}

// SetShape records the dictionary dimensions.
func (m *RunMetrics) SetShape(records, columns int) {
	m.records.Set(float64(records))
	m.columns.Set(float64(columns))
}

// Finish records the run duration, and the success timestamp when the run
// succeeded.
func (m *RunMetrics) Finish(d time.Duration, succeeded bool, now time.Time) {
	m.duration.Set(d.Seconds())
	if succeeded {
		m.lastSuccess.Set(float64(now.Unix()))
	}
}

// Push sends all collectors to the Pushgateway at url, replacing the metrics
// previously pushed for the same job and study.
func (m *RunMetrics) Push(ctx context.Context, url, job, study string) error {
	if job == "" {
		job = DefaultJob
	}
	p := push.New(url, job).Gatherer(m.registry)
	if study != "" {
		p = p.Grouping("study", study)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("observability: push to %s failed: %w", url, err)
	}
	return nil
}
