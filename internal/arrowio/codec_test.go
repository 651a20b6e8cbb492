package arrowio

import (
	"bytes"
	"errors"
	"testing"

	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/schedule"
	"github.com/23skdu/longbow-guidance/internal/tensor"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func testStep(sigma *tensor.Tensor) Step {
	return Step{
		Args: guidance.Args{
			Cond:      tensor.MustFromSlice([]float32{0.5, 1, 1.5, 2, 2.5, 3}, 2, 3),
			Uncond:    tensor.MustFromSlice([]float32{0.25, 0.5, 0.75, 1, 1.25, 1.5}, 2, 3),
			Input:     tensor.MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
			CondScale: 4.5,
			Sigma:     sigma,
			ModelOptions: guidance.ModelOptions{TransformerOptions: guidance.TransformerOptions{
				SampleSigmas: schedule.Schedule{14.614642, 1.5, 0.75, 0.029167, 0},
			}},
		},
		Sampling: "eps",
	}
}

func assertTensor(t *testing.T, name string, got, want *tensor.Tensor) {
	t.Helper()
	if !tensor.SameShape(got, want) {
		t.Fatalf("%s shape %v, want %v", name, got.Shape(), want.Shape())
	}
	for i := range want.Data() {
		if got.At(i) != want.At(i) {
			t.Fatalf("%s[%d] = %v, want %v", name, i, got.At(i), want.At(i))
		}
	}
}

func TestStepRecordRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	for _, sigma := range []*tensor.Tensor{tensor.Scalar(0.75), tensor.MustFromSlice([]float32{0.75, 1.5}, 2)} {
		step := testStep(sigma)
		rec, err := NewStepRecord(mem, step)
		if err != nil {
			t.Fatalf("NewStepRecord: %v", err)
		}
		if rec.NumRows() != 2 {
			t.Errorf("expected 2 rows, got %d", rec.NumRows())
		}
		got, err := DecodeStepRecord(rec)
		rec.Release()
		if err != nil {
			t.Fatalf("DecodeStepRecord: %v", err)
		}

		assertTensor(t, "cond", got.Args.Cond, step.Args.Cond)
		assertTensor(t, "uncond", got.Args.Uncond, step.Args.Uncond)
		assertTensor(t, "input", got.Args.Input, step.Args.Input)
		assertTensor(t, "sigma", got.Args.Sigma, sigma)
		if got.Args.CondScale != 4.5 || got.Sampling != "eps" {
			t.Errorf("scalars lost: %v %q", got.Args.CondScale, got.Sampling)
		}
		want := step.Args.ModelOptions.TransformerOptions.SampleSigmas
		gotSigmas := got.Args.ModelOptions.TransformerOptions.SampleSigmas
		if gotSigmas.String() != want.String() {
			t.Errorf("sample sigmas %v, want %v", gotSigmas, want)
		}
	}
}

func TestStepStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	step := testStep(tensor.Scalar(1.5))
	if err := WriteStep(&buf, step); err != nil {
		t.Fatalf("WriteStep: %v", err)
	}
	got, err := ReadStep(&buf)
	if err != nil {
		t.Fatalf("ReadStep: %v", err)
	}
	assertTensor(t, "cond", got.Args.Cond, step.Args.Cond)

	// the decoded step drives a policy exactly like the original
	a, err := guidance.CFGPP{}.Compute(step.Args, guidance.RegimeVE)
	if err != nil {
		t.Fatal(err)
	}
	b, err := guidance.CFGPP{}.Compute(got.Args, guidance.RegimeVE)
	if err != nil {
		t.Fatal(err)
	}
	assertTensor(t, "output", b.Output, a.Output)
}

func TestNewStepRecordErrors(t *testing.T) {
	mem := memory.NewGoAllocator()
	step := testStep(tensor.Scalar(1))
	step.Args.Uncond = nil
	if _, err := NewStepRecord(mem, step); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}

	step = testStep(tensor.MustFromSlice([]float32{1, 1, 1}, 3))
	if _, err := NewStepRecord(mem, step); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestReadStepEmpty(t *testing.T) {
	if _, err := ReadStep(bytes.NewReader(nil)); err == nil {
		t.Error("expected error reading empty input")
	}
}

func TestResultRoundTrip(t *testing.T) {
	step := testStep(tensor.Scalar(0.75))
	step.Args.ModelOptions = guidance.ModelOptions{}
	res, err := guidance.PowerLaw{Alpha: 0.9}.Compute(step.Args, guidance.RegimeVE)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteResult(&buf, "powerlaw", res); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	policy, got, err := ReadResult(&buf)
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if policy != "powerlaw" {
		t.Errorf("policy = %q", policy)
	}
	assertTensor(t, "output", got.Output, res.Output)
	for i := range res.Phi {
		if got.Phi[i] != res.Phi[i] || got.L2[i] != res.L2[i] || got.Scale[i] != res.Scale[i] {
			t.Errorf("row %d: got phi %v l2 %v scale %v", i, got.Phi[i], got.L2[i], got.Scale[i])
		}
	}
}

func TestTraceRecordRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	entries := []TraceEntry{
		{Step: 0, Policy: "cfgpp", Result: &guidance.Result{Sigma: []float64{0.8, 0.8}, Scale: []float64{4, 4}, Phi: []float64{28, 28}}},
		{Step: 1, Policy: "powerlaw", Result: &guidance.Result{Sigma: []float64{0.5}, Scale: []float64{1.0000009}, Phi: []float64{7.0000063}, L2: []float64{1}}},
	}
	rec := NewTraceRecord(mem, entries)
	defer rec.Release()
	if rec.NumRows() != 3 {
		t.Fatalf("expected 3 rows, got %d", rec.NumRows())
	}

	got, err := DecodeTraceRecord(rec)
	if err != nil {
		t.Fatalf("DecodeTraceRecord: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Policy != "cfgpp" || len(got[0].Result.Phi) != 2 || got[0].Result.L2 != nil {
		t.Errorf("unexpected first entry %+v", got[0].Result)
	}
	if got[1].Step != 1 || got[1].Result.L2[0] != 1 || got[1].Result.Phi[0] != 7.0000063 {
		t.Errorf("unexpected second entry %+v", got[1].Result)
	}
}

func TestReadResultWrongColumnTypes(t *testing.T) {
	fields := []arrow.Field{{Name: colOutput, Type: tensorList(2)}}
	for _, f := range traceFields {
		fields = append(fields, arrow.Field{Name: f.Name, Type: arrow.BinaryTypes.String})
	}
	md := arrow.NewMetadata([]string{MetaShape, MetaPolicy}, []string{"1,2", "cfgpp"})
	schema := arrow.NewSchema(fields, &md)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	appendRows(b.Field(0).(*array.FixedSizeListBuilder), tensor.MustFromSlice([]float32{1, 2}, 1, 2))
	for i := range traceFields {
		b.Field(i + 1).(*array.StringBuilder).Append("x")
	}
	rec := b.NewRecordBatch()
	defer rec.Release()

	var buf bytes.Buffer
	if err := writeRecord(&buf, mem, rec); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	if _, _, err := ReadResult(&buf); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
}

func TestDecodeTraceRecordWrongSchema(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "step", Type: arrow.BinaryTypes.String}}, nil)
	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).Append("1")
	rec := b.NewRecordBatch()
	defer rec.Release()
	if _, err := DecodeTraceRecord(rec); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
}
