// Package metrics provides Prometheus metrics for batch matching runs.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "districtlink"

// Histogram bucket layout for fuzzy similarity scores. Scores below the
// review threshold never produce a candidate, so buckets start at 0.80.
const (
	similarityBucketStart = 0.80
	similarityBucketWidth = 0.02
	similarityBucketCount = 11
)

// Batch duration buckets run from 10ms to roughly 40s.
const (
	durationBucketStart  = 0.01
	durationBucketFactor = 2.0
	durationBucketCount  = 13
)

// MatchMetrics contains Prometheus metrics for batch matching.
type MatchMetrics struct {
	registry *prometheus.Registry

	recordsTotal      *prometheus.CounterVec
	acceptedTotal     *prometheus.CounterVec
	flagsTotal        *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	batchesTotal      *prometheus.CounterVec
	fuzzySimilarity   prometheus.Histogram
	batchDuration     prometheus.Histogram
	lastBatchRecords  prometheus.Gauge
	lastBatchActivate prometheus.Gauge

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewMatchMetrics creates and registers new match metrics.
func NewMatchMetrics(registry *prometheus.Registry) (*MatchMetrics, error) {
	m := &MatchMetrics{registry: registry}
	m.initMetrics()

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register match metrics: %w", err)
	}
	return m, nil
}

func (m *MatchMetrics) initMetrics() {
	m.recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_records_total",
			Help:      "Total number of source records decided, by outcome",
		},
		[]string{"outcome"},
	)

	m.acceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_accepted_total",
			Help:      "Total number of accepted matches, by method",
		},
		[]string{"method"},
	)

	m.flagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_flags_total",
			Help:      "Total number of quality flags raised, by reason",
		},
		[]string{"reason"},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_errors_total",
			Help:      "Total number of per-record matching errors, by kind",
		},
		[]string{"kind"},
	)

	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of batch runs, by status",
		},
		[]string{"status"},
	)

	m.fuzzySimilarity = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fuzzy_similarity",
			Help:      "Jaro-Winkler similarity of fuzzy candidates",
			Buckets:   prometheus.LinearBuckets(similarityBucketStart, similarityBucketWidth, similarityBucketCount),
		},
	)

	m.batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time taken to match, stage and activate a batch",
			Buckets:   prometheus.ExponentialBuckets(durationBucketStart, durationBucketFactor, durationBucketCount),
		},
	)

	m.lastBatchRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_records",
			Help:      "Number of records staged by the most recent batch run",
		},
	)

	m.lastBatchActivate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_activated_records",
			Help:      "Number of records activated by the most recent batch run",
		},
	)

	m.collectors = []prometheus.Collector{
		m.recordsTotal,
		m.acceptedTotal,
		m.flagsTotal,
		m.errorsTotal,
		m.batchesTotal,
		m.fuzzySimilarity,
		m.batchDuration,
		m.lastBatchRecords,
		m.lastBatchActivate,
	}
}

// Describe implements the Collector interface
func (m *MatchMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *MatchMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordOutcome counts a decided record. Accepted records also count
// toward their method.
func (m *MatchMetrics) RecordOutcome(outcome, method string) {
	m.recordsTotal.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		m.acceptedTotal.WithLabelValues(method).Inc()
	}
}

// RecordFlag counts a raised quality flag.
func (m *MatchMetrics) RecordFlag(reason string) {
	m.flagsTotal.WithLabelValues(reason).Inc()
}

// RecordError counts a per-record matching error.
func (m *MatchMetrics) RecordError(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// ObserveSimilarity records the similarity of a fuzzy candidate.
func (m *MatchMetrics) ObserveSimilarity(similarity float64) {
	m.fuzzySimilarity.Observe(similarity)
}

// RecordBatch records the completion of a batch run.
func (m *MatchMetrics) RecordBatch(status string, staged, activated int, duration time.Duration) {
	m.batchesTotal.WithLabelValues(status).Inc()
	m.batchDuration.Observe(duration.Seconds())
	m.lastBatchRecords.Set(float64(staged))
	m.lastBatchActivate.Set(float64(activated))
}

// WriteTextfile writes every metric in the registry to path in the
// Prometheus text exposition format, for pickup by a node exporter.
func (m *MatchMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
