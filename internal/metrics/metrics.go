package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalExamples atomic.Int64

var (
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_queries_total",
		Help: "Total number of top-activation queries served",
	}, []string{"source"})

	QueryDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "probe_query_duration_seconds",
		Help: "Duration of a full top-activation query pass",
	})

	ExamplesScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_examples_scanned_total",
		Help: "Total number of examples scored during query passes",
	})

	HeapEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_heap_evictions_total",
		Help: "Entries evicted from the bounded top-k heap",
	})

	ThresholdRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_threshold_rejections_total",
		Help: "Examples rejected by the threshold window",
	})

	BatchesYielded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_batches_yielded_total",
		Help: "Activation batches yielded per source kind",
	}, []string{"source"})

	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_captures_total",
		Help: "Submodule output captures per capture outcome",
	}, []string{"outcome"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "probe_forward_duration_seconds",
		Help:    "Instrumented model forward pass latency",
		Buckets: prometheus.DefBuckets,
	})

	EncodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "probe_sae_encode_duration_seconds",
		Help:    "Sparse autoencoder encode latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"variant"})

	StoreMappedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probe_store_mapped_bytes",
		Help: "Bytes of activation store blob currently memory mapped",
	})

	StoreRowReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_store_row_reads_total",
		Help: "Rows read from the precomputed activation store",
	})

	DataErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_data_errors_total",
		Help: "Data access and validation errors by kind",
	}, []string{"kind"})
)

func RecordQuery(source string, duration time.Duration) {
	QueriesTotal.WithLabelValues(source).Inc()
	QueryDuration.Observe(duration.Seconds())
}

func RecordExamplesScanned(n int) {
	ExamplesScanned.Add(float64(n))
	totalExamples.Add(int64(n))
}

func RecordHeapEviction() {
	HeapEvictions.Inc()
}

func RecordThresholdRejection() {
	ThresholdRejections.Inc()
}

func RecordBatch(source string) {
	BatchesYielded.WithLabelValues(source).Inc()
}

func RecordCapture(outcome string) {
	CapturesTotal.WithLabelValues(outcome).Inc()
}

func RecordForward(duration time.Duration) {
	ForwardDuration.Observe(duration.Seconds())
}

func RecordEncode(variant string, duration time.Duration) {
	EncodeDuration.WithLabelValues(variant).Observe(duration.Seconds())
}

func RecordStoreMapped(bytes int64) {
	StoreMappedBytes.Set(float64(bytes))
}

func RecordStoreRowRead() {
	StoreRowReads.Inc()
}

func RecordDataError(kind string) {
	DataErrors.WithLabelValues(kind).Inc()
}

// TotalExamplesScanned returns the process-lifetime scanned-example count.
func TotalExamplesScanned() int64 {
	return totalExamples.Load()
}
