// Package guidance computes per-step classifier-free guidance weights that
// replace a constant CFG scale with one derived from the denoising state.
//
// A Policy is a pure function of one sampler step. Callers register it with
// a model through Apply, which hands the model-patching layer a Func that
// conforms to the sampler CFG callback contract.
package guidance

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-guidance/internal/schedule"
	"github.com/23skdu/longbow-guidance/internal/tensor"
)

var (
	// ErrDegenerateStep is returned when the bracketing schedule levels do
	// not strictly decrease, which would make the ratio scale infinite.
	ErrDegenerateStep = errors.New("degenerate schedule step")
	// ErrMissingSchedule is returned when a policy needs the sample schedule
	// and the options carry none.
	ErrMissingSchedule = errors.New("sample sigmas not provided")
	// ErrInvalidArgs covers nil or non-finite scalar inputs.
	ErrInvalidArgs = errors.New("invalid guidance arguments")
)

// TransformerOptions mirrors the nested options the sampler passes through.
type TransformerOptions struct {
	SampleSigmas schedule.Schedule
}

type ModelOptions struct {
	TransformerOptions TransformerOptions
}

// Args is the per-step bundle handed to a Func. Cond and Uncond are the
// denoised predictions, Input is the current state x_t and Sigma has shape
// [1] or [B]. All fields are read-only.
type Args struct {
	Cond         *tensor.Tensor
	Uncond       *tensor.Tensor
	CondScale    float64
	Input        *tensor.Tensor
	Sigma        *tensor.Tensor
	ModelOptions ModelOptions
}

func (a Args) validate() error {
	if a.Input == nil {
		return fmt.Errorf("%w: input is nil", ErrInvalidArgs)
	}
	if err := tensor.RequireSameShape("cond", a.Cond, "input", a.Input); err != nil {
		return err
	}
	if err := tensor.RequireSameShape("uncond", a.Uncond, "input", a.Input); err != nil {
		return err
	}
	if a.Sigma == nil {
		return fmt.Errorf("%w: sigma is nil", ErrInvalidArgs)
	}
	if err := tensor.ValidateFinite("cond_scale", []float64{a.CondScale}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// Result carries the guided output and the intermediate values of one step.
// Scale, Phi and Sigma hold one value per batch element.
type Result struct {
	Output *tensor.Tensor
	Sigma  []float64
	Scale  []float64
	Phi    []float64
	// L2 and Space are set by the power-law policy only.
	L2    []float64
	Space string
}

// Policy is a guidance strategy. Implementations hold no mutable state and
// are safe for concurrent use.
type Policy interface {
	Name() string
	Compute(args Args, regime Regime) (*Result, error)
	// DisableCFG1Optimization reports whether the sampler must evaluate the
	// unconditional branch even when cond_scale == 1.
	DisableCFG1Optimization() bool
}

// Assemble returns x_t - (uncond + (cond - uncond) * phi) with phi applied
// per batch element. phi holds one shared value or one per batch element.
func Assemble(input, cond, uncond *tensor.Tensor, phi []float64) (*tensor.Tensor, error) {
	if err := tensor.RequireSameShape("cond", cond, "input", input); err != nil {
		return nil, err
	}
	if err := tensor.RequireSameShape("uncond", uncond, "input", input); err != nil {
		return nil, err
	}
	batch := input.Batch()
	phi, err := tensor.BroadcastBatch(phi, batch)
	if err != nil {
		return nil, err
	}
	out, err := tensor.New(input.Shape()...)
	if err != nil {
		return nil, err
	}
	x, c, u, o := input.Data(), cond.Data(), uncond.Data(), out.Data()
	stride := input.Stride()
	for b := 0; b < batch; b++ {
		p := phi[b]
		for i := b * stride; i < (b+1)*stride; i++ {
			uv := float64(u[i])
			o[i] = float32(float64(x[i]) - (uv + (float64(c[i])-uv)*p))
		}
	}
	return out, nil
}
