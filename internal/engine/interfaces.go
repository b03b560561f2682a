package engine

import "time"

// MetricsRecorder receives batch run measurements.
type MetricsRecorder interface {
	RecordOutcome(outcome, method string)
	RecordFlag(reason string)
	RecordError(kind string)
	ObserveSimilarity(similarity float64)
	RecordBatch(status string, staged, activated int, duration time.Duration)
}

// ProgressFunc is called from a single goroutine after each record is matched.
type ProgressFunc func(done, total int)

type noopMetrics struct{}

func (noopMetrics) RecordOutcome(string, string)                {}
func (noopMetrics) RecordFlag(string)                           {}
func (noopMetrics) RecordError(string)                          {}
func (noopMetrics) ObserveSimilarity(float64)                   {}
func (noopMetrics) RecordBatch(string, int, int, time.Duration) {}
