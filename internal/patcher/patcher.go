// Package patcher is an in-memory model-patching layer. It carries the model
// descriptor, hands out independent clones and performs the sampler side of
// the CFG callback contract.
package patcher

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/metrics"
	"github.com/23skdu/longbow-guidance/internal/tensor"
)

// Sampling is the prediction type a model was trained with.
type Sampling int

const (
	SamplingEPS Sampling = iota
	SamplingV
	SamplingX0
	SamplingEDM
	SamplingFlow
)

var samplingNames = [...]string{"eps", "v_prediction", "x0", "edm", "flow"}

func (s Sampling) String() string {
	if int(s) >= 0 && int(s) < len(samplingNames) {
		return samplingNames[s]
	}
	return fmt.Sprintf("sampling(%d)", int(s))
}

// Regime classifies s. Only flow models use the rectified-flow formulas.
func (s Sampling) Regime() guidance.Regime {
	if s == SamplingFlow {
		return guidance.RegimeRF
	}
	return guidance.RegimeVE
}

func ParseSampling(name string) (Sampling, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "v":
		return SamplingV, nil
	case "rf", "rectified_flow", "const":
		return SamplingFlow, nil
	}
	for i, s := range samplingNames {
		if s == n {
			return Sampling(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sampling type %q", name)
}

// ModelInfo is the read-only model descriptor.
type ModelInfo struct {
	Name     string
	Sampling Sampling
}

func (m ModelInfo) Regime() guidance.Regime { return m.Sampling.Regime() }

type ModelPatcher struct {
	info        ModelInfo
	cfgFn       guidance.Func
	disableCFG1 bool
}

func New(name string, sampling Sampling) *ModelPatcher {
	return &ModelPatcher{info: ModelInfo{Name: name, Sampling: sampling}}
}

// Clone satisfies guidance.Patchable.
func (m *ModelPatcher) Clone() guidance.Patchable { return m.CloneModel() }

// CloneModel returns an independent copy sharing only immutable state.
func (m *ModelPatcher) CloneModel() *ModelPatcher {
	c := *m
	return &c
}

func (m *ModelPatcher) Descriptor() guidance.Descriptor { return m.info }

func (m *ModelPatcher) Info() ModelInfo { return m.info }

func (m *ModelPatcher) SetSamplerCFGFunction(fn guidance.Func, disableCFG1Optimization bool) {
	m.cfgFn = fn
	m.disableCFG1 = disableCFG1Optimization
}

// HasCFGFunction reports whether a sampler callback is registered.
func (m *ModelPatcher) HasCFGFunction() bool { return m.cfgFn != nil }

// CFG1OptimizationDisabled reports the flag registered with the callback.
func (m *ModelPatcher) CFG1OptimizationDisabled() bool { return m.disableCFG1 }

// Denoise combines the branch predictions in args into the guided denoised
// prediction the sampler steps with.
func (m *ModelPatcher) Denoise(args guidance.Args) (*tensor.Tensor, error) {
	if args.Cond == nil {
		return nil, fmt.Errorf("%w: cond is nil", guidance.ErrInvalidArgs)
	}
	if args.CondScale == 1 && !m.disableCFG1 {
		metrics.RecordCFG1Skip()
		return args.Cond.Clone(), nil
	}

	if m.cfgFn == nil {
		if err := tensor.RequireSameShape("uncond", args.Uncond, "cond", args.Cond); err != nil {
			return nil, err
		}
		return combine(args.Cond, args.Uncond, args.CondScale)
	}

	if args.Input == nil {
		return nil, fmt.Errorf("%w: input is nil", guidance.ErrInvalidArgs)
	}
	out, err := m.cfgFn(args)
	if err != nil {
		return nil, err
	}
	if err := tensor.RequireSameShape("cfg output", out, "input", args.Input); err != nil {
		return nil, err
	}
	denoised, err := tensor.New(args.Input.Shape()...)
	if err != nil {
		return nil, err
	}
	x, o, d := args.Input.Data(), out.Data(), denoised.Data()
	for i := range d {
		d[i] = x[i] - o[i]
	}
	return denoised, nil
}

// combine is standard CFG: uncond + (cond - uncond) * scale.
func combine(cond, uncond *tensor.Tensor, scale float64) (*tensor.Tensor, error) {
	out, err := tensor.New(cond.Shape()...)
	if err != nil {
		return nil, err
	}
	c, u, o := cond.Data(), uncond.Data(), out.Data()
	for i := range o {
		uv := float64(u[i])
		o[i] = float32(uv + (float64(c[i])-uv)*scale)
	}
	return out, nil
}
