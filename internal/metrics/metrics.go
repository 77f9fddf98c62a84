package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	TokensGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_tokens_generated_total",
		Help: "The total number of tokens generated",
	})

	ForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "bodkin_forward_duration_seconds",
		Help: "Duration of a single forward pass",
	})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_generation_duration_seconds",
		Help:    "End-to-end duration of generation requests",
		Buckets: prometheus.DefBuckets,
	})

	PromptTokensHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_prompt_length_tokens",
		Help:    "Distribution of prompt lengths processed",
		Buckets: []float64{8, 32, 128, 512, 1024, 2048, 4096, 8192, 16384},
	})

	ModelLoadDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "bodkin_model_load_duration_seconds",
		Help: "Duration of model load (metadata parse + mmap)",
	})

	ModelMappedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_model_mapped_bytes",
		Help: "Bytes of model weight data currently memory mapped",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_kv_cache_capacity_bytes",
		Help: "Total allocated KV cache capacity in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_kv_cache_used_bytes",
		Help: "KV cache bytes holding valid entries",
	})

	KVCacheOverflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_kv_cache_overflows_total",
		Help: "Count of appends rejected because the cache was full",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_sessions_active",
		Help: "Number of currently open sessions",
	})

	GenerationsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_generations_cancelled_total",
		Help: "Count of generations terminated by cooperative cancellation",
	})

	KernelVariant = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bodkin_kernel_variant",
		Help: "Selected SIMD kernel variant (gauge set to 1 for the active one)",
	}, []string{"variant"})

	EmbeddingsExportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_embeddings_exported_total",
		Help: "Count of embedding vectors shipped over Arrow Flight",
	})
)

// RecordToken counts one generated token.
func RecordToken() {
	TokensGeneratedTotal.Inc()
	totalTokens.Add(1)
}

// TotalTokens returns the process-lifetime generated token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}

// RecordForward observes the duration of one forward pass.
func RecordForward(start time.Time) {
	ForwardDuration.Observe(time.Since(start).Seconds())
}

// RecordKVCacheStats updates the cache capacity/used gauges.
func RecordKVCacheStats(capacityBytes, usedBytes int64) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheUsedBytes.Set(float64(usedBytes))
}

// RecordKernelVariant marks the process-wide kernel selection.
func RecordKernelVariant(name string) {
	KernelVariant.WithLabelValues(name).Set(1)
}
