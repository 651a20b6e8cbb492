package guidance

import (
	"fmt"

	"github.com/23skdu/longbow-guidance/internal/schedule"
	"github.com/23skdu/longbow-guidance/internal/tensor"
)

// Bias selects how a noise level that lands exactly on a schedule entry is
// bracketed.
type Bias int

const (
	// BiasRight brackets an exact hit by the hit and its successor.
	BiasRight Bias = iota
	// BiasLeft brackets an exact hit by its predecessor and the hit.
	BiasLeft
)

func (b Bias) String() string {
	if b == BiasLeft {
		return "left"
	}
	return "right"
}

// CFGPP is the ratio policy (CFG++, arXiv 2406.08070). The scale comes from
// the schedule levels that bracket the current step.
type CFGPP struct {
	Bias Bias
}

func (CFGPP) Name() string { return "cfgpp" }

// DisableCFG1Optimization is always true: the unconditional term no longer
// cancels when cond_scale == 1.
func (CFGPP) DisableCFG1Optimization() bool { return true }

// RatioScale returns the CFG++ multiplier for one pair of bracketing levels:
// curr*(1-next)/(curr-next) for rectified flow, curr/(curr-next) otherwise.
func RatioScale(curr, next float64, regime Regime) (float64, error) {
	if curr-next <= 0 {
		return 0, fmt.Errorf("%w: sigma_curr %v, sigma_next %v", ErrDegenerateStep, curr, next)
	}
	if regime == RegimeRF {
		return curr * (1 - next) / (curr - next), nil
	}
	return curr / (curr - next), nil
}

func (p CFGPP) bracket(s schedule.Schedule, sigma float32) (float32, float32, error) {
	if p.Bias == BiasLeft {
		return s.BracketLeft(sigma)
	}
	return s.Bracket(sigma)
}

func (p CFGPP) Compute(args Args, regime Regime) (*Result, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	sigmas := args.ModelOptions.TransformerOptions.SampleSigmas
	if len(sigmas) == 0 {
		return nil, ErrMissingSchedule
	}
	batch := args.Input.Batch()
	// Validates the [1] / [B] layout before the per-value lookups below.
	sigma, err := tensor.PerBatch(args.Sigma, batch)
	if err != nil {
		return nil, err
	}

	levels := args.Sigma.Data()
	scale := make([]float64, len(levels))
	for i, lvl := range levels {
		curr, next, err := p.bracket(sigmas, lvl)
		if err != nil {
			return nil, err
		}
		if scale[i], err = RatioScale(float64(curr), float64(next), regime); err != nil {
			return nil, err
		}
	}
	if scale, err = tensor.BroadcastBatch(scale, batch); err != nil {
		return nil, err
	}

	phi := make([]float64, batch)
	for b := range phi {
		phi[b] = scale[b] * args.CondScale
	}
	out, err := Assemble(args.Input, args.Cond, args.Uncond, phi)
	if err != nil {
		return nil, err
	}
	return &Result{Output: out, Sigma: sigma, Scale: scale, Phi: phi}, nil
}
