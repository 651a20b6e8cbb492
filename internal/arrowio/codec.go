// Package arrowio stores recorded sampler steps and guided outputs as Arrow
// IPC streams. Each batch element is one row; per-element tensors are
// fixed-size float32 lists.
package arrowio

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/schedule"
	"github.com/23skdu/longbow-guidance/internal/tensor"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var ErrFormat = errors.New("invalid step record")

// Schema metadata keys.
const (
	MetaShape        = "guidance.shape"
	MetaSigmaShape   = "guidance.sigma_shape"
	MetaCondScale    = "guidance.cond_scale"
	MetaSampleSigmas = "guidance.sample_sigmas"
	MetaSampling     = "guidance.sampling"
	MetaPolicy       = "guidance.policy"
)

const (
	colCond   = "cond"
	colUncond = "uncond"
	colInput  = "input"
	colSigma  = "sigma"
	colOutput = "output"
	colScale  = "scale"
	colPhi    = "phi"
	colL2     = "l2"
)

// Step is one recorded sampler call together with the model sampling type.
type Step struct {
	Args     guidance.Args
	Sampling string
}

func tensorList(stride int) arrow.DataType {
	return arrow.FixedSizeListOf(int32(stride), arrow.PrimitiveTypes.Float32)
}

// StepSchema is the schema of a step record with per-element size stride.
func StepSchema(stride int, md *arrow.Metadata) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: colCond, Type: tensorList(stride)},
		{Name: colUncond, Type: tensorList(stride)},
		{Name: colInput, Type: tensorList(stride)},
		{Name: colSigma, Type: arrow.PrimitiveTypes.Float32},
	}, md)
}

// NewStepRecord encodes step. The caller releases the record.
func NewStepRecord(mem memory.Allocator, step Step) (arrow.RecordBatch, error) {
	a := step.Args
	if a.Input == nil || a.Cond == nil || a.Uncond == nil || a.Sigma == nil {
		return nil, fmt.Errorf("%w: cond, uncond, input and sigma are required", ErrFormat)
	}
	if err := tensor.RequireSameShape("cond", a.Cond, "input", a.Input); err != nil {
		return nil, err
	}
	if err := tensor.RequireSameShape("uncond", a.Uncond, "input", a.Input); err != nil {
		return nil, err
	}
	batch := a.Input.Batch()
	sigma, err := tensor.PerBatch(a.Sigma, batch)
	if err != nil {
		return nil, err
	}

	md := arrow.NewMetadata(
		[]string{MetaShape, MetaSigmaShape, MetaCondScale, MetaSampleSigmas, MetaSampling},
		[]string{
			tensor.FormatShape(a.Input.Shape()),
			tensor.FormatShape(a.Sigma.Shape()),
			strconv.FormatFloat(a.CondScale, 'g', -1, 64),
			a.ModelOptions.TransformerOptions.SampleSigmas.String(),
			step.Sampling,
		},
	)
	schema := StepSchema(a.Input.Stride(), &md)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for i, t := range []*tensor.Tensor{a.Cond, a.Uncond, a.Input} {
		appendRows(b.Field(i).(*array.FixedSizeListBuilder), t)
	}
	sb := b.Field(3).(*array.Float32Builder)
	for _, s := range sigma {
		sb.Append(float32(s))
	}
	return b.NewRecordBatch(), nil
}

func appendRows(lb *array.FixedSizeListBuilder, t *tensor.Tensor) {
	vb := lb.ValueBuilder().(*array.Float32Builder)
	for row := 0; row < t.Batch(); row++ {
		lb.Append(true)
		vb.AppendValues(t.Row(row), nil)
	}
}

// DecodeStepRecord is the inverse of NewStepRecord.
func DecodeStepRecord(rec arrow.RecordBatch) (Step, error) {
	md := rec.Schema().Metadata()
	shape, err := tensor.ParseShape(metaValue(md, MetaShape))
	if err != nil {
		return Step{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if int64(shape[0]) != rec.NumRows() {
		return Step{}, fmt.Errorf("%w: shape %v with %d rows", ErrFormat, shape, rec.NumRows())
	}
	condScale, err := strconv.ParseFloat(metaValue(md, MetaCondScale), 64)
	if err != nil {
		return Step{}, fmt.Errorf("%w: cond_scale: %v", ErrFormat, err)
	}

	var sigmas schedule.Schedule
	if text := metaValue(md, MetaSampleSigmas); text != "" {
		if sigmas, err = schedule.Parse(text); err != nil {
			return Step{}, err
		}
	}

	tensors := make([]*tensor.Tensor, 3)
	for i, name := range []string{colCond, colUncond, colInput} {
		if tensors[i], err = readTensor(rec, name, shape); err != nil {
			return Step{}, err
		}
	}
	sigma, err := readSigma(rec, metaValue(md, MetaSigmaShape))
	if err != nil {
		return Step{}, err
	}

	return Step{
		Args: guidance.Args{
			Cond:      tensors[0],
			Uncond:    tensors[1],
			Input:     tensors[2],
			CondScale: condScale,
			Sigma:     sigma,
			ModelOptions: guidance.ModelOptions{
				TransformerOptions: guidance.TransformerOptions{SampleSigmas: sigmas},
			},
		},
		Sampling: metaValue(md, MetaSampling),
	}, nil
}

func metaValue(md arrow.Metadata, key string) string {
	if i := md.FindKey(key); i >= 0 {
		return md.Values()[i]
	}
	return ""
}

func column(rec arrow.RecordBatch, name string) (arrow.Array, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: missing column %q", ErrFormat, name)
	}
	return rec.Column(idx[0]), nil
}

func readTensor(rec arrow.RecordBatch, name string, shape []int) (*tensor.Tensor, error) {
	col, err := column(rec, name)
	if err != nil {
		return nil, err
	}
	list, ok := col.(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("%w: column %q is %s", ErrFormat, name, col.DataType())
	}
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("%w: column %q values are %s", ErrFormat, name, list.ListValues().DataType())
	}

	out, err := tensor.New(shape...)
	if err != nil {
		return nil, err
	}
	stride := out.Stride()
	raw := values.Float32Values()
	for row := 0; row < list.Len(); row++ {
		start, end := list.ValueOffsets(row)
		if int(end-start) != stride {
			return nil, fmt.Errorf("%w: column %q row %d has %d values (want %d)", ErrFormat, name, row, end-start, stride)
		}
		copy(out.Row(row), raw[start:end])
	}
	return out, nil
}

func readSigma(rec arrow.RecordBatch, sigmaShape string) (*tensor.Tensor, error) {
	col, err := column(rec, colSigma)
	if err != nil {
		return nil, err
	}
	f, ok := col.(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("%w: sigma column is %s", ErrFormat, col.DataType())
	}
	values := append([]float32(nil), f.Float32Values()...)
	shape := []int{len(values)}
	if sigmaShape != "" {
		if shape, err = tensor.ParseShape(sigmaShape); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}
	// a shared level is stored once per row
	if len(shape) == 1 && shape[0] == 1 && len(values) > 0 {
		values = values[:1]
	}
	t, err := tensor.FromSlice(values, shape...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return t, nil
}

// WriteStep writes step as a single-record IPC stream.
func WriteStep(w io.Writer, step Step) error {
	mem := memory.NewGoAllocator()
	rec, err := NewStepRecord(mem, step)
	if err != nil {
		return err
	}
	defer rec.Release()
	return writeRecord(w, mem, rec)
}

// ReadStep reads the first record of an IPC stream written by WriteStep.
func ReadStep(r io.Reader) (Step, error) {
	rec, release, err := readFirst(r)
	if err != nil {
		return Step{}, err
	}
	defer release()
	return DecodeStepRecord(rec)
}

func writeRecord(w io.Writer, mem memory.Allocator, rec arrow.RecordBatch) error {
	iw := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

func readFirst(r io.Reader) (arrow.RecordBatch, func(), error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if !rdr.Next() {
		err := rdr.Err()
		rdr.Release()
		if err == nil {
			err = fmt.Errorf("%w: empty stream", ErrFormat)
		}
		return nil, nil, err
	}
	rec := rdr.RecordBatch()
	rec.Retain()
	return rec, func() {
		rec.Release()
		rdr.Release()
	}, nil
}
