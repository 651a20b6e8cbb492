package patcher

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/metrics"
	"github.com/23skdu/longbow-guidance/internal/schedule"
	"github.com/23skdu/longbow-guidance/internal/tensor"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func stepArgs(condScale float64) guidance.Args {
	return guidance.Args{
		Cond:      tensor.MustFromSlice([]float32{1, 2, 3, 4}, 2, 2),
		Uncond:    tensor.MustFromSlice([]float32{0.5, 1, 1.5, 2}, 2, 2),
		CondScale: condScale,
		Input:     tensor.MustFromSlice([]float32{4, 4, 4, 4}, 2, 2),
		Sigma:     tensor.Scalar(0.75),
		ModelOptions: guidance.ModelOptions{TransformerOptions: guidance.TransformerOptions{
			SampleSigmas: schedule.Schedule{1, 0.75, 0.5, 0.25, 0},
		}},
	}
}

func TestSamplingRegime(t *testing.T) {
	tests := []struct {
		s    Sampling
		want guidance.Regime
	}{
		{SamplingEPS, guidance.RegimeVE},
		{SamplingV, guidance.RegimeVE},
		{SamplingX0, guidance.RegimeVE},
		{SamplingEDM, guidance.RegimeVE},
		{SamplingFlow, guidance.RegimeRF},
	}
	for _, tt := range tests {
		if got := tt.s.Regime(); got != tt.want {
			t.Errorf("%v.Regime() = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestParseSampling(t *testing.T) {
	tests := []struct {
		in      string
		want    Sampling
		wantErr bool
	}{
		{"eps", SamplingEPS, false},
		{"V", SamplingV, false},
		{"v_prediction", SamplingV, false},
		{"flow", SamplingFlow, false},
		{"rf", SamplingFlow, false},
		{"edm", SamplingEDM, false},
		{"latent", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSampling(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSampling(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseSampling(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestApplyLeavesOriginalUntouched(t *testing.T) {
	orig := New("sd15", SamplingEPS)
	patched := guidance.Apply(orig, guidance.CFGPP{}, guidance.CallbackOptions{}).(*ModelPatcher)
	if orig.HasCFGFunction() {
		t.Error("original model gained a callback")
	}
	if !patched.HasCFGFunction() || !patched.CFG1OptimizationDisabled() {
		t.Error("patched model is missing the callback or flag")
	}
	if patched.Info() != orig.Info() {
		t.Errorf("descriptor changed: %v vs %v", patched.Info(), orig.Info())
	}
}

func TestDenoiseStandardCFG(t *testing.T) {
	got, err := New("m", SamplingEPS).Denoise(stepArgs(3))
	if err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	want := []float32{2, 4, 6, 8}
	for i, v := range got.Data() {
		if v != want[i] {
			t.Errorf("denoised[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestDenoiseCFG1Skip(t *testing.T) {
	m := New("m", SamplingEPS)
	args := stepArgs(1)
	args.Uncond = nil
	before := testutil.ToFloat64(metrics.CFG1Skipped)
	got, err := m.Denoise(args)
	if err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	for i, v := range got.Data() {
		if v != args.Cond.At(i) {
			t.Errorf("denoised[%d] = %v, want cond %v", i, v, args.Cond.At(i))
		}
	}
	if testutil.ToFloat64(metrics.CFG1Skipped) != before+1 {
		t.Error("cfg1 skip was not recorded")
	}
}

func TestDenoiseWithPolicy(t *testing.T) {
	m := guidance.Apply(New("m", SamplingEPS), guidance.CFGPP{}, guidance.CallbackOptions{}).(*ModelPatcher)
	args := stepArgs(1)
	got, err := m.Denoise(args)
	if err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	// bracket (0.75, 0.5) gives phi = 3 even at cond_scale 1
	for i, v := range got.Data() {
		u, c := args.Uncond.At(i), args.Cond.At(i)
		want := u + (c-u)*3
		if math.Abs(float64(v-want)) > 1e-5 {
			t.Errorf("denoised[%d] = %v, want %v", i, v, want)
		}
	}
}

func TestDenoisePassThroughKeepsSkip(t *testing.T) {
	m := guidance.Apply(New("m", SamplingFlow), guidance.PowerLaw{Alpha: 0}, guidance.CallbackOptions{}).(*ModelPatcher)
	if m.CFG1OptimizationDisabled() {
		t.Fatal("pass-through power-law must keep the cfg1 optimization")
	}
	args := stepArgs(1)
	args.Uncond = nil
	if _, err := m.Denoise(args); err != nil {
		t.Fatalf("Denoise: %v", err)
	}
}

func TestDenoisePropagatesErrors(t *testing.T) {
	m := guidance.Apply(New("m", SamplingEPS), guidance.CFGPP{}, guidance.CallbackOptions{}).(*ModelPatcher)
	args := stepArgs(2)
	args.ModelOptions = guidance.ModelOptions{}
	if _, err := m.Denoise(args); !errors.Is(err, guidance.ErrMissingSchedule) {
		t.Errorf("expected ErrMissingSchedule, got %v", err)
	}

	args = stepArgs(2)
	args.Uncond = tensor.MustFromSlice([]float32{1, 2}, 2)
	if _, err := New("m", SamplingEPS).Denoise(args); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}
