package arrowio

import (
	"fmt"
	"io"

	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/tensor"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Trace columns, one row per batch element of a guided step.
var traceFields = []arrow.Field{
	{Name: "step", Type: arrow.PrimitiveTypes.Int64},
	{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
	{Name: "policy", Type: arrow.BinaryTypes.String},
	{Name: colSigma, Type: arrow.PrimitiveTypes.Float64},
	{Name: colScale, Type: arrow.PrimitiveTypes.Float64},
	{Name: colPhi, Type: arrow.PrimitiveTypes.Float64},
	{Name: colL2, Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}

// TraceSchema is the schema of guidance trace records.
var TraceSchema = arrow.NewSchema(traceFields, nil)

// TraceEntry is one observed step.
type TraceEntry struct {
	Step   int64
	Policy string
	Result *guidance.Result
}

// NewTraceRecord flattens entries into one record. Entries without L2 get
// null l2 values.
func NewTraceRecord(mem memory.Allocator, entries []TraceEntry) arrow.RecordBatch {
	b := array.NewRecordBuilder(mem, TraceSchema)
	defer b.Release()
	for _, e := range entries {
		appendTrace(b, 0, e)
	}
	return b.NewRecordBatch()
}

// appendTrace writes entry e into b starting at field offset off.
func appendTrace(b *array.RecordBuilder, off int, e TraceEntry) {
	res := e.Result
	for i := range res.Phi {
		b.Field(off).(*array.Int64Builder).Append(e.Step)
		b.Field(off + 1).(*array.Int32Builder).Append(int32(i))
		b.Field(off + 2).(*array.StringBuilder).Append(e.Policy)
		b.Field(off + 3).(*array.Float64Builder).Append(at(res.Sigma, i))
		b.Field(off + 4).(*array.Float64Builder).Append(at(res.Scale, i))
		b.Field(off + 5).(*array.Float64Builder).Append(res.Phi[i])
		if res.L2 != nil {
			b.Field(off + 6).(*array.Float64Builder).Append(res.L2[i])
		} else {
			b.Field(off + 6).(*array.Float64Builder).AppendNull()
		}
	}
}

func at(v []float64, i int) float64 {
	if len(v) == 1 {
		return v[0]
	}
	return v[i]
}

// DecodeTraceRecord reads the entries of a trace record back, grouping
// consecutive rows of the same step.
func DecodeTraceRecord(rec arrow.RecordBatch) ([]TraceEntry, error) {
	if !rec.Schema().Equal(TraceSchema) {
		return nil, fmt.Errorf("%w: unexpected trace schema %s", ErrFormat, rec.Schema())
	}
	return decodeTrace(rec, 0)
}

// decodeTrace reads the trace columns starting at field offset off.
func decodeTrace(rec arrow.RecordBatch, off int) ([]TraceEntry, error) {
	fields := rec.Schema().Fields()
	if len(fields) < off+len(traceFields) {
		return nil, fmt.Errorf("%w: %d columns, want %d trace columns from %d", ErrFormat, len(fields), len(traceFields), off)
	}
	for i, want := range traceFields {
		got := fields[off+i]
		if got.Name != want.Name || !arrow.TypeEqual(got.Type, want.Type) {
			return nil, fmt.Errorf("%w: trace column %d is %s %s, want %s %s", ErrFormat, off+i, got.Name, got.Type, want.Name, want.Type)
		}
	}

	steps := rec.Column(off).(*array.Int64)
	policies := rec.Column(off + 2).(*array.String)
	sigma := rec.Column(off + 3).(*array.Float64)
	scale := rec.Column(off + 4).(*array.Float64)
	phi := rec.Column(off + 5).(*array.Float64)
	l2 := rec.Column(off + 6).(*array.Float64)

	var out []TraceEntry
	for row := 0; row < int(rec.NumRows()); row++ {
		if len(out) == 0 || out[len(out)-1].Step != steps.Value(row) || out[len(out)-1].Policy != policies.Value(row) {
			out = append(out, TraceEntry{Step: steps.Value(row), Policy: policies.Value(row), Result: &guidance.Result{}})
		}
		r := out[len(out)-1].Result
		r.Sigma = append(r.Sigma, sigma.Value(row))
		r.Scale = append(r.Scale, scale.Value(row))
		r.Phi = append(r.Phi, phi.Value(row))
		if l2.IsValid(row) {
			r.L2 = append(r.L2, l2.Value(row))
		}
	}
	return out, nil
}

// WriteResult writes the guided output of one step, followed by its trace
// columns, as a single-record IPC stream.
func WriteResult(w io.Writer, policy string, res *guidance.Result) error {
	if res == nil || res.Output == nil {
		return fmt.Errorf("%w: result has no output", ErrFormat)
	}
	out := res.Output
	md := arrow.NewMetadata(
		[]string{MetaShape, MetaPolicy},
		[]string{tensor.FormatShape(out.Shape()), policy},
	)
	fields := append([]arrow.Field{{Name: colOutput, Type: tensorList(out.Stride())}}, traceFields...)
	schema := arrow.NewSchema(fields, &md)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	appendRows(b.Field(0).(*array.FixedSizeListBuilder), out)
	appendTrace(b, 1, TraceEntry{Policy: policy, Result: res})

	rec := b.NewRecordBatch()
	defer rec.Release()
	return writeRecord(w, mem, rec)
}

// ReadResult is the inverse of WriteResult.
func ReadResult(r io.Reader) (string, *guidance.Result, error) {
	rec, release, err := readFirst(r)
	if err != nil {
		return "", nil, err
	}
	defer release()

	md := rec.Schema().Metadata()
	shape, err := tensor.ParseShape(metaValue(md, MetaShape))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if rec.NumCols() != int64(len(traceFields)+1) {
		return "", nil, fmt.Errorf("%w: %d columns", ErrFormat, rec.NumCols())
	}
	out, err := readTensor(rec, colOutput, shape)
	if err != nil {
		return "", nil, err
	}
	entries, err := decodeTrace(rec, 1)
	if err != nil {
		return "", nil, err
	}
	if len(entries) != 1 {
		return "", nil, fmt.Errorf("%w: %d steps in result stream", ErrFormat, len(entries))
	}
	res := entries[0].Result
	res.Output = out
	return metaValue(md, MetaPolicy), res, nil
}
