package guidance

import (
	"errors"
	"time"

	"github.com/23skdu/longbow-guidance/internal/logger"
	"github.com/23skdu/longbow-guidance/internal/metrics"
	"github.com/23skdu/longbow-guidance/internal/schedule"
	"github.com/23skdu/longbow-guidance/internal/tensor"
)

// Func is the sampler CFG callback contract. It returns a tensor shaped like
// args.Input; the sampler recovers the denoised prediction as Input - Func(args).
type Func func(args Args) (*tensor.Tensor, error)

// Patchable is the capability exposed by the external model-patching layer.
type Patchable interface {
	Clone() Patchable
	Descriptor() Descriptor
	SetSamplerCFGFunction(fn Func, disableCFG1Optimization bool)
}

// Observer receives the intermediate values of every successful step.
type Observer interface {
	Observe(policy string, res *Result)
}

// ErrorObserver is an Observer that is also told about failed steps.
type ErrorObserver interface {
	Observer
	ObserveError(policy string, err error)
}

type CallbackOptions struct {
	// PrintDebug emits sigma, scale and effective weight on every call.
	PrintDebug bool
	// Logger receives diagnostics; logger.Log when nil.
	Logger   *logger.Logger
	Observer Observer
}

// NewFunc wraps p into a sampler callback. The regime is read from desc on
// every call.
func NewFunc(p Policy, desc Descriptor, opts CallbackOptions) Func {
	name := p.Name()
	return func(args Args) (*tensor.Tensor, error) {
		log := opts.Logger
		if log == nil {
			log = logger.Log
		}
		start := time.Now()
		res, err := p.Compute(args, desc.Regime())
		if err != nil {
			metrics.RecordStepError(name)
			metrics.RecordValidationError(name, errorType(err))
			if eo, ok := opts.Observer.(ErrorObserver); ok {
				eo.ObserveError(name, err)
			}
			return nil, err
		}

		if info := tensor.DetectNaN(res.Phi, 4); !info.IsValid() {
			metrics.RecordNumericalInstability("phi", info.Count, info.InfCount)
			log.Warn("non-finite effective cfg", "policy", name, "nan", info.Count, "inf", info.InfCount)
		}
		if nan, inf := tensor.CheckNumericalStability(res.Output.Data()); nan+inf > 0 {
			metrics.RecordNumericalInstability("output", nan, inf)
			log.Warn("non-finite guided output", "policy", name, "nan", nan, "inf", inf)
		}
		metrics.RecordStep(name, res.Scale, res.Phi, time.Since(start))
		if res.L2 != nil {
			metrics.RecordNorms(res.L2)
		}
		if opts.PrintDebug {
			printStep(log, name, res)
		}
		if opts.Observer != nil {
			opts.Observer.Observe(name, res)
		}
		return res.Output, nil
	}
}

func printStep(log *logger.Logger, name string, res *Result) {
	fields := []interface{}{
		"policy", name,
		"sigma", res.Sigma,
		"scale", res.Scale,
		"effective_cfg", res.Phi,
	}
	if res.L2 != nil {
		fields = append(fields, "l2", res.L2, "space", res.Space)
	}
	log.Diagnostic("guidance step", fields...)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, tensor.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, schedule.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrDegenerateStep):
		return "degenerate_step"
	case errors.Is(err, ErrMissingSchedule):
		return "missing_schedule"
	case errors.Is(err, ErrInvalidArgs):
		return "invalid_args"
	default:
		return "other"
	}
}

// Apply clones model and registers p as its sampler CFG function together
// with the policy's cfg1 optimization flag. The original model is unchanged.
func Apply(model Patchable, p Policy, opts CallbackOptions) Patchable {
	m := model.Clone()
	m.SetSamplerCFGFunction(NewFunc(p, m.Descriptor(), opts), p.DisableCFG1Optimization())
	return m
}
