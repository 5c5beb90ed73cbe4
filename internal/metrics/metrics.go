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
	StepTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "volley_step_tokens_total",
		Help: "Total number of tokens assembled across forward steps",
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "volley_step_duration_seconds",
		Help:    "Host-side duration of pipeline phases",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase", "rank"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "volley_batch_size",
		Help:    "Sequences per step",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
	})

	OverlayTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "volley_overlay_tokens_total",
		Help: "Token positions overwritten with external embeddings",
	})

	OverlayStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "volley_overlay_steps_total",
		Help: "Steps in which at least one external embedding was applied",
	})

	ProjectorStrategy = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_projector_strategy_total",
		Help: "Logits projections by tensor-parallel strategy",
	}, []string{"strategy"})

	ProjectorStages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "volley_projector_stages",
		Help:    "Stages used by the overlapped logits projection",
		Buckets: []float64{1, 2, 4, 8, 16, 32},
	})

	CollectiveCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_collective_calls_total",
		Help: "Collective operations issued",
	}, []string{"op"})

	CollectiveElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_collective_elements_total",
		Help: "Elements received through collective operations",
	}, []string{"op"})

	DeviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_device_errors_total",
		Help: "Failed device operations",
	}, []string{"op"})

	ContractViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_contract_violations_total",
		Help: "Tensor map contract violations",
	}, []string{"key"})

	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "volley_device_memory_allocated_bytes",
		Help: "Current bytes allocated on simulated devices",
	})

	ScratchReuse = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_scratch_requests_total",
		Help: "Workspace buffer requests by outcome",
	}, []string{"outcome"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "volley_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	SampledTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "volley_sampled_tokens_total",
		Help: "Tokens produced by the sampler",
	})
)

// RecordStep records one forward step of tokens tokens over batch sequences.
func RecordStep(rank, tokens, batch int, duration time.Duration) {
	StepTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	BatchSize.Observe(float64(batch))
	StepDuration.WithLabelValues("step", strconv.Itoa(rank)).Observe(duration.Seconds())
}

func RecordPhase(phase string, rank int, duration time.Duration) {
	StepDuration.WithLabelValues(phase, strconv.Itoa(rank)).Observe(duration.Seconds())
}

func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordOverlay(tokens int) {
	if tokens <= 0 {
		return
	}
	OverlayTokensTotal.Add(float64(tokens))
	OverlayStepsTotal.Inc()
}

func RecordProjection(strategy string, stages int) {
	ProjectorStrategy.WithLabelValues(strategy).Inc()
	if stages > 0 {
		ProjectorStages.Observe(float64(stages))
	}
}

func RecordCollective(op string, elements int) {
	CollectiveCalls.WithLabelValues(op).Inc()
	CollectiveElements.WithLabelValues(op).Add(float64(elements))
}

func RecordDeviceError(op string) {
	DeviceErrors.WithLabelValues(op).Inc()
}

func RecordContractViolation(key string) {
	ContractViolations.WithLabelValues(key).Inc()
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordScratch(reused bool) {
	if reused {
		ScratchReuse.WithLabelValues("reused").Inc()
	} else {
		ScratchReuse.WithLabelValues("allocated").Inc()
	}
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordSampled(tokens int) {
	SampledTokensTotal.Add(float64(tokens))
}
