package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarrel_tokens_total",
		Help: "The total number of tokens decoded",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "quarrel_generation_duration_seconds",
		Help: "Duration of complete generation runs",
	})

	DecodeStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_decode_step_duration_seconds",
		Help:    "Duration of one single-token forward pass through all layers",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	})

	OpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarrel_op_duration_seconds",
		Help:    "Histogram of layer forward times",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12),
	}, []string{"op"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{16, 64, 256, 1000, 2000, 4000, 8000},
	})

	KVCacheAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarrel_kv_cache_appends_total",
		Help: "Total number of positions appended to attention caches",
	})

	KVCachePositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quarrel_kv_cache_positions",
		Help: "Positions currently held by the attention cache of a layer",
	}, []string{"layer"})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quarrel_kv_cache_used_bytes",
		Help: "Bytes held by key/value caches of live sessions",
	})

	KVCacheSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quarrel_kv_cache_sessions",
		Help: "Number of open decoding sessions",
	})

	SnapshotBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_snapshot_bytes_total",
		Help: "Bytes of key/value cache moved through Arrow Flight",
	}, []string{"direction"})

	WeightsLoadedValues = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quarrel_weights_loaded_values",
		Help: "Number of float32 weight values resident",
	})

	LogitMaxValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_logit_max_value",
		Help:    "Maximum logit value observed",
		Buckets: []float64{-50, -20, -10, -5, 0, 5, 10, 20, 30, 50, 100},
	})

	LogitNaNCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarrel_logit_nan_count_total",
		Help: "Total count of NaN values in logits",
	})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_tokenizer_encode_length",
		Help:    "Number of tokens produced per encode call",
		Buckets: []float64{1, 4, 16, 64, 256, 1024, 4096},
	})

	TokenizerByteFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarrel_tokenizer_byte_fallback_total",
		Help: "Code points encoded through byte fallback tokens",
	})
)

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	InferenceDuration.Observe(duration.Seconds())
}

// TotalTokens returns the number of tokens recorded since process start.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordDecodeStep(duration time.Duration) {
	DecodeStepDuration.Observe(duration.Seconds())
}

func RecordOpDuration(op string, duration time.Duration) {
	OpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

// RecordKVCacheAppend records one appended position for layer; positions is
// the cache length after the append.
func RecordKVCacheAppend(layer, positions int) {
	KVCacheAppends.Inc()
	KVCachePositions.WithLabelValues(strconv.Itoa(layer)).Set(float64(positions))
}

func AddKVCacheBytes(delta int64) {
	KVCacheUsedBytes.Add(float64(delta))
}

func RecordSessionOpened() {
	KVCacheSessions.Inc()
}

func RecordSessionClosed() {
	KVCacheSessions.Dec()
}

func RecordSnapshot(direction string, bytes int64) {
	SnapshotBytes.WithLabelValues(direction).Add(float64(bytes))
}

func RecordWeightsLoaded(values int64) {
	WeightsLoadedValues.Set(float64(values))
}

func RecordLogitAudit(max float32, nanCount int) {
	LogitMaxValue.Observe(float64(max))
	if nanCount > 0 {
		LogitNaNCount.Add(float64(nanCount))
	}
}

func RecordTokenizerEncode(length int, byteFallbacks int) {
	TokenizerEncodeLength.Observe(float64(length))
	if byteFallbacks > 0 {
		TokenizerByteFallback.Add(float64(byteFallbacks))
	}
}
