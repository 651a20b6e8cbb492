package guidance

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-guidance/internal/tensor"
)

const (
	// NormEpsilon keeps (l2 + eps)^alpha finite for zero-norm differences and
	// negative alpha.
	NormEpsilon = 1e-6
	// AlphaTolerance is the distance from 0 within which alpha is treated as
	// the pass-through configuration.
	AlphaTolerance = 1e-9

	MinAlpha = -0.99
	MaxAlpha = 100.0
	// DefaultAlpha matches the published node default.
	DefaultAlpha = 0.9
)

// PowerLaw is the power-law policy (arXiv 2502.07849). The nominal weight is
// multiplied by (||d|| + eps)^Alpha, where d is the prediction difference
// measured in Space, and the result is never allowed below 1.
type PowerLaw struct {
	Alpha float64
	Space Space
}

func (PowerLaw) Name() string { return "powerlaw" }

// PassThrough reports whether Alpha is close enough to 0 that the policy
// reduces to plain CFG.
func (p PowerLaw) PassThrough() bool {
	return math.Abs(p.Alpha) <= AlphaTolerance
}

// DisableCFG1Optimization is false only in pass-through mode, where the
// unconditional term cancels again at cond_scale == 1.
func (p PowerLaw) DisableCFG1Optimization() bool {
	return !p.PassThrough()
}

func (p PowerLaw) Validate() error {
	if math.IsNaN(p.Alpha) || p.Alpha < MinAlpha || p.Alpha > MaxAlpha {
		return fmt.Errorf("invalid alpha: %v (must be in [%v, %v])", p.Alpha, MinAlpha, MaxAlpha)
	}
	if p.Space < SpaceScore || p.Space > SpaceFlow {
		return fmt.Errorf("invalid space: %v", p.Space)
	}
	return nil
}

func (p PowerLaw) Compute(args Args, regime Regime) (*Result, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	batch := args.Input.Batch()
	sigma, err := tensor.PerBatch(args.Sigma, batch)
	if err != nil {
		return nil, err
	}

	d, err := tensor.Sub(args.Cond, args.Uncond)
	if err != nil {
		return nil, err
	}
	if p.Space != SpaceX0 {
		factors := make([]float64, batch)
		for b, s := range sigma {
			factors[b] = p.Space.Factor(s, regime)
		}
		tensor.ScaleRows(d, factors)
	}
	l2 := tensor.RowNorms(d, batch)

	scale := make([]float64, batch)
	phi := make([]float64, batch)
	for b := range phi {
		if p.PassThrough() {
			scale[b] = 1
			phi[b] = args.CondScale
			continue
		}
		scale[b] = math.Pow(l2[b]+NormEpsilon, p.Alpha)
		phi[b] = math.Max(scale[b]*args.CondScale, 1.0)
	}

	out, err := Assemble(args.Input, args.Cond, args.Uncond, phi)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output: out,
		Sigma:  sigma,
		Scale:  scale,
		Phi:    phi,
		L2:     l2,
		Space:  p.Space.String(),
	}, nil
}
