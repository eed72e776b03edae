// Package metrics exposes the Prometheus collectors a sonnerie process
// registers for its write and compaction paths.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and histograms CreateTx and Compact report
// into. A nil *Metrics is valid everywhere it's accepted and simply
// records nothing, so instrumentation stays optional.
type Metrics struct {
	SegmentsWritten      prometheus.Counter
	BytesBeforeCompress  prometheus.Counter
	BytesAfterCompress   prometheus.Counter
	RecordsWritten       prometheus.Counter
	TombstonesWritten    prometheus.Counter
	CompactionDuration   prometheus.Histogram
	CompactionFailures   *prometheus.CounterVec
	CompactionInputFiles prometheus.Histogram
}

// New builds a Metrics with every collector registered under reg. Pass
// prometheus.NewRegistry() for an isolated set, or prometheus.
// DefaultRegisterer to publish on the process-wide /metrics endpoint.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SegmentsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sonnerie",
			Name:      "segments_written_total",
			Help:      "Segments flushed by a transaction writer.",
		}),
		BytesBeforeCompress: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sonnerie",
			Name:      "segment_bytes_before_compress_total",
			Help:      "Uncompressed key-block bytes handed to the LZ4 encoder.",
		}),
		BytesAfterCompress: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sonnerie",
			Name:      "segment_bytes_after_compress_total",
			Help:      "LZ4-compressed segment payload bytes, counted before magic escaping.",
		}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sonnerie",
			Name:      "records_written_total",
			Help:      "Value records added across all transactions.",
		}),
		TombstonesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sonnerie",
			Name:      "tombstones_written_total",
			Help:      "Deletion tombstones added across all transactions.",
		}),
		CompactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sonnerie",
			Name:      "compaction_duration_seconds",
			Help:      "Wall-clock time spent in Compact.",
			Buckets:   prometheus.DefBuckets,
		}),
		CompactionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sonnerie",
			Name:      "compaction_failures_total",
			Help:      "Compact calls that returned an error, labeled by mode.",
		}, []string{"mode"}),
		CompactionInputFiles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sonnerie",
			Name:      "compaction_input_files",
			Help:      "Number of files folded into a single compaction.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
	}

	reg.MustRegister(
		m.SegmentsWritten,
		m.BytesBeforeCompress,
		m.BytesAfterCompress,
		m.RecordsWritten,
		m.TombstonesWritten,
		m.CompactionDuration,
		m.CompactionFailures,
		m.CompactionInputFiles,
	)
	return m
}

func (m *Metrics) segmentsWritten(n int) {
	if m == nil {
		return
	}
	m.SegmentsWritten.Add(float64(n))
}

func (m *Metrics) recordWritten(isTombstone bool) {
	if m == nil {
		return
	}
	if isTombstone {
		m.TombstonesWritten.Inc()
		return
	}
	m.RecordsWritten.Inc()
}

func (m *Metrics) compressedBytes(before, after int) {
	if m == nil {
		return
	}
	m.BytesBeforeCompress.Add(float64(before))
	m.BytesAfterCompress.Add(float64(after))
}

func (m *Metrics) compactionFailure(mode string) {
	if m == nil {
		return
	}
	m.CompactionFailures.WithLabelValues(mode).Inc()
}

func (m *Metrics) compactionObserved(durationSeconds float64, inputFiles int) {
	if m == nil {
		return
	}
	m.CompactionDuration.Observe(durationSeconds)
	m.CompactionInputFiles.Observe(float64(inputFiles))
}

// RecordWritten reports one record (value or tombstone) added to a
// transaction via CreateTx.
func (m *Metrics) RecordWritten(isTombstone bool) { m.recordWritten(isTombstone) }

// SegmentFlushed reports one segment flushed to a transaction's temp
// file, with its before/after compression sizes in bytes.
func (m *Metrics) SegmentFlushed(beforeCompress, afterCompress int) {
	m.segmentsWritten(1)
	m.compressedBytes(beforeCompress, afterCompress)
}

// CompactionFinished reports the outcome of one Compact call.
func (m *Metrics) CompactionFinished(mode string, durationSeconds float64, inputFiles int, err error) {
	m.compactionObserved(durationSeconds, inputFiles)
	if err != nil {
		m.compactionFailure(mode)
	}
}
