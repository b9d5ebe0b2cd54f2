// Registers on a private registry:
//
//	#deribitflow_pages_fetched_total
//	#deribitflow_records_total
//	#deribitflow_rows_committed_total
//	#deribitflow_flushes_total
//	#deribitflow_fetch_retries_total
//	#deribitflow_flush_duration_seconds
//	#deribitflow_last_success_timestamp_seconds
//	#deribitflow_validation_findings
//	#go_* system metrics
//
// A batch run has no scrape window, so the registry is pushed to a
// Prometheus Pushgateway at the end of the run.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"

	"deribitflow/logger"
)

// Record outcomes.
const (
	OutcomeAccepted     = "accepted"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDuplicate    = "duplicate"
)

// Metrics holds the run counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	pagesFetched  *prometheus.CounterVec
	records       *prometheus.CounterVec
	rowsCommitted *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	retries       *prometheus.CounterVec
	flushDuration *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec
	findings      *prometheus.GaugeVec
}

// New registers the run metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deribitflow_pages_fetched_total",
			Help: "API pages fetched",
		}, []string{"currency", "kind"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deribitflow_records_total",
			Help: "Raw records by normalization outcome",
		}, []string{"currency", "kind", "outcome"}),
		rowsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deribitflow_rows_committed_total",
			Help: "Rows made durable by a flush",
		}, []string{"currency", "kind"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deribitflow_flushes_total",
			Help: "Partition flushes by result",
		}, []string{"currency", "kind", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deribitflow_fetch_retries_total",
			Help: "Fetch retries by cause",
		}, []string{"currency", "reason"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deribitflow_flush_duration_seconds",
			Help:    "Time spent encoding and committing one partition flush",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deribitflow_last_success_timestamp_seconds",
			Help: "Unix time of the last run that completed",
		}, []string{"currency", "kind"}),
		findings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deribitflow_validation_findings",
			Help: "Findings of the last validation run by severity",
		}, []string{"severity"}),
	}
	m.registry.MustRegister(
		m.pagesFetched, m.records, m.rowsCommitted, m.flushes,
		m.retries, m.flushDuration, m.lastSuccess, m.findings,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PageFetched(currency, kind string) {
	if m != nil {
		m.pagesFetched.WithLabelValues(currency, kind).Inc()
	}
}

func (m *Metrics) Record(currency, kind, outcome string) {
	if m != nil {
		m.records.WithLabelValues(currency, kind, outcome).Inc()
	}
}

// Flushed records a committed flush of rows.
func (m *Metrics) Flushed(currency, kind string, rows int, took time.Duration) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(currency, kind, "ok").Inc()
	m.rowsCommitted.WithLabelValues(currency, kind).Add(float64(rows))
	m.flushDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) FlushFailed(currency, kind string) {
	if m != nil {
		m.flushes.WithLabelValues(currency, kind, "error").Inc()
	}
}

func (m *Metrics) Retry(currency, reason string) {
	if m != nil {
		m.retries.WithLabelValues(currency, reason).Inc()
	}
}

func (m *Metrics) Succeeded(currency, kind string, at time.Time) {
	if m != nil {
		m.lastSuccess.WithLabelValues(currency, kind).Set(float64(at.Unix()))
	}
}

// Findings replaces the per severity finding counts.
func (m *Metrics) Findings(bySeverity map[string]int) {
	if m == nil {
		return
	}
	m.findings.Reset()
	for sev, n := range bySeverity {
		m.findings.WithLabelValues(sev).Set(float64(n))
	}
}

// Push sends the registry to the Pushgateway at url under job, grouped by
// instance. An empty url disables pushing.
func (m *Metrics) Push(ctx context.Context, url, job, instance string) error {
	if m == nil || url == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(m.registry)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.PushContext(ctx); err != nil {
		logger.GetLogger().WithComponent("metrics").WithError(err).WithFields(logger.Fields{
			"pushgateway": url,
			"job":         job,
		}).Warn("failed to push metrics")
		return fmt.Errorf("push metrics: %w", err)
	}
	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"pushgateway": url, "job": job}).Debug("metrics pushed")
	return nil
}
