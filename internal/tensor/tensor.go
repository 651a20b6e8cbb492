package tensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrShapeMismatch is returned when two tensors that must agree in shape do not.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense, row-major float32 tensor whose first dimension is the
// batch. Each batch element occupies a contiguous block of Stride() values.
type Tensor struct {
	data  []float32
	shape []int
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zeroed tensor.
func New(shape ...int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{data: make([]float32, numel(shape)), shape: s}, nil
}

// FromSlice wraps data without copying. len(data) must match the shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v (want %d)", ErrShapeMismatch, len(data), shape, n)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{data: data, shape: s}, nil
}

// Scalar returns a one-element tensor of shape [1].
func Scalar(v float32) *Tensor {
	return &Tensor{data: []float32{v}, shape: []int{1}}
}

// MustFromSlice is FromSlice for literals in tests and examples.
func MustFromSlice(data []float32, shape ...int) *Tensor {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func checkShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("%w: empty shape", ErrShapeMismatch)
	}
	for i, d := range shape {
		if d <= 0 {
			return fmt.Errorf("%w: dim %d is %d (must be positive)", ErrShapeMismatch, i, d)
		}
	}
	return nil
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int {
	s := make([]int, len(t.shape))
	copy(s, t.shape)
	return s
}

func (t *Tensor) NDim() int { return len(t.shape) }

func (t *Tensor) Numel() int { return len(t.data) }

// Batch is the size of the leading dimension.
func (t *Tensor) Batch() int { return t.shape[0] }

// Stride is the number of values per batch element.
func (t *Tensor) Stride() int { return len(t.data) / t.shape[0] }

// Data exposes the backing slice. Callers that receive a tensor as input
// must treat it as read-only.
func (t *Tensor) Data() []float32 { return t.data }

// Row returns the values of batch element b.
func (t *Tensor) Row(b int) []float32 {
	n := t.Stride()
	return t.data[b*n : (b+1)*n]
}

// At returns the flat element i.
func (t *Tensor) At(i int) float32 { return t.data[i] }

func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return &Tensor{data: d, shape: t.Shape()}
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// RequireSameShape returns ErrShapeMismatch naming both operands when the
// shapes differ.
func RequireSameShape(nameA string, a *Tensor, nameB string, b *Tensor) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: %s or %s is nil", ErrShapeMismatch, nameA, nameB)
	}
	if !SameShape(a, b) {
		return fmt.Errorf("%w: %s%v != %s%v", ErrShapeMismatch, nameA, a.shape, nameB, b.shape)
	}
	return nil
}

// PerBatch expands a tensor holding either one shared value or one value per
// batch element into a slice of length batch. Shapes [1], [B] and [B,1,...,1]
// are accepted.
func PerBatch(t *Tensor, batch int) ([]float64, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil per-batch tensor", ErrShapeMismatch)
	}
	out := make([]float64, batch)
	switch t.Numel() {
	case 1:
		for i := range out {
			out[i] = float64(t.data[0])
		}
	case batch:
		if t.shape[0] != batch {
			return nil, fmt.Errorf("%w: per-batch shape %v for batch %d", ErrShapeMismatch, t.shape, batch)
		}
		for i := range out {
			out[i] = float64(t.data[i])
		}
	default:
		return nil, fmt.Errorf("%w: per-batch shape %v for batch %d", ErrShapeMismatch, t.shape, batch)
	}
	return out, nil
}

// BroadcastBatch expands one shared value or one value per batch element to
// exactly batch values.
func BroadcastBatch(v []float64, batch int) ([]float64, error) {
	switch len(v) {
	case batch:
		return v, nil
	case 1:
		out := make([]float64, batch)
		for i := range out {
			out[i] = v[0]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d scale values for batch %d", ErrShapeMismatch, len(v), batch)
	}
}

// Sub returns a - b elementwise in float64 precision.
func Sub(a, b *Tensor) ([]float64, error) {
	if err := RequireSameShape("a", a, "b", b); err != nil {
		return nil, err
	}
	out := make([]float64, len(a.data))
	for i := range out {
		out[i] = float64(a.data[i]) - float64(b.data[i])
	}
	return out, nil
}

// RowNorms computes the L2 norm of each contiguous row of stride values,
// i.e. the norm over every dimension except the batch dimension.
func RowNorms(v []float64, batch int) []float64 {
	stride := len(v) / batch
	out := make([]float64, batch)
	for b := 0; b < batch; b++ {
		var sum float64
		for _, x := range v[b*stride : (b+1)*stride] {
			sum += x * x
		}
		out[b] = math.Sqrt(sum)
	}
	return out
}

// ScaleRows multiplies each row of v in place by the matching factor.
func ScaleRows(v []float64, factors []float64) {
	stride := len(v) / len(factors)
	for b, f := range factors {
		row := v[b*stride : (b+1)*stride]
		for i := range row {
			row[i] *= f
		}
	}
}

// ParseShape parses a comma separated dimension list such as "2,4,8,8".
func ParseShape(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	shape := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%w: parse shape %q: %v", ErrShapeMismatch, s, err)
		}
		shape = append(shape, d)
	}
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	return shape, nil
}

// FormatShape is the inverse of ParseShape.
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
