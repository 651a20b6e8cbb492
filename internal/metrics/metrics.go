package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GuidanceSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guidance_steps_total",
		Help: "Total number of guided sampler steps",
	}, []string{"policy"})

	GuidanceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guidance_errors_total",
		Help: "Total number of guided steps that failed",
	}, []string{"policy"})

	EffectiveCFG = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guidance_effective_cfg",
		Help:    "Effective guidance weight phi_t per batch element",
		Buckets: []float64{0, 1, 2, 4, 7, 10, 20, 50, 100, 500},
	}, []string{"policy"})

	GuidanceScale = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guidance_scale",
		Help:    "Scale multiplier applied to the nominal guidance weight",
		Buckets: []float64{0, 0.5, 1, 1.5, 2, 4, 8, 16, 64},
	}, []string{"policy"})

	DifferenceNorm = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "guidance_l2_norm",
		Help:    "L2 norm of the transformed prediction difference",
		Buckets: []float64{0, 0.01, 0.1, 0.5, 1, 2, 5, 10, 50, 100},
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guidance_step_duration_seconds",
		Help:    "Duration of a guided step",
		Buckets: prometheus.DefBuckets,
	}, []string{"policy"})

	CFG1Skipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guidance_cfg1_skipped_total",
		Help: "Steps where cond_scale == 1 skipped the unconditional branch",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})
)

// RecordStep records one successful guided step.
func RecordStep(policy string, scale, phi []float64, duration time.Duration) {
	GuidanceSteps.WithLabelValues(policy).Inc()
	for _, s := range scale {
		GuidanceScale.WithLabelValues(policy).Observe(s)
	}
	for _, p := range phi {
		EffectiveCFG.WithLabelValues(policy).Observe(p)
	}
	StepDuration.WithLabelValues(policy).Observe(duration.Seconds())
}

func RecordStepError(policy string) {
	GuidanceErrors.WithLabelValues(policy).Inc()
}

func RecordNorms(l2 []float64) {
	for _, v := range l2 {
		DifferenceNorm.Observe(v)
	}
}

func RecordCFG1Skip() {
	CFG1Skipped.Inc()
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
