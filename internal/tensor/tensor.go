// Package tensor implements the dense row-major 2-D float32 buffer that every
// layer of the decoder operates on, together with the numeric helpers
// (matmul, softmax, activations) shared between them.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a row-major matrix. Element (r, c) lives at Data[r*Cols+c].
type Tensor struct {
	Data []float32
	Rows int
	Cols int
}

// New wraps data as a rows x cols tensor. The tensor takes ownership of data.
func New(data []float32, rows, cols int) (*Tensor, error) {
	if rows < 0 || cols < 0 {
		return nil, InvalidInputError{Op: "tensor.New", Reason: fmt.Sprintf("negative shape %dx%d", rows, cols)}
	}
	if len(data) != rows*cols {
		return nil, SizeMismatchError{What: fmt.Sprintf("tensor %dx%d", rows, cols), Got: len(data), Want: rows * cols}
	}
	return &Tensor{Data: data, Rows: rows, Cols: cols}, nil
}

// Zeros allocates a zero-filled rows x cols tensor.
func Zeros(rows, cols int) *Tensor {
	return &Tensor{Data: make([]float32, rows*cols), Rows: rows, Cols: cols}
}

// FromRow copies values into a new 1 x len(values) tensor.
func FromRow(values []float32) *Tensor {
	data := make([]float32, len(values))
	copy(data, values)
	return &Tensor{Data: data, Rows: 1, Cols: len(values)}
}

func (t *Tensor) Shape() [2]int {
	return [2]int{t.Rows, t.Cols}
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) At(r, c int) float32 {
	return t.Data[r*t.Cols+c]
}

func (t *Tensor) Set(r, c int, v float32) {
	t.Data[r*t.Cols+c] = v
}

// Row returns a copy of row r.
func (t *Tensor) Row(r int) []float32 {
	out := make([]float32, t.Cols)
	copy(out, t.Data[r*t.Cols:(r+1)*t.Cols])
	return out
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Data: data, Rows: t.Rows, Cols: t.Cols}
}

// Slice copies columns [from, to) of a single-row tensor into a new 1 x (to-from) tensor.
func (t *Tensor) Slice(from, to int) (*Tensor, error) {
	if t.Rows != 1 || from < 0 || to > t.Cols || from > to {
		return nil, InvalidInputError{Op: "tensor.Slice", Reason: fmt.Sprintf("columns [%d,%d) of %dx%d", from, to, t.Rows, t.Cols)}
	}
	return FromRow(t.Data[from:to]), nil
}

// Transpose swaps rows and columns in place. The new buffer is fully built
// before it replaces the old one.
func (t *Tensor) Transpose() {
	out := make([]float32, len(t.Data))
	for r := 0; r < t.Rows; r++ {
		for c := 0; c < t.Cols; c++ {
			out[c*t.Rows+r] = t.Data[r*t.Cols+c]
		}
	}
	t.Data = out
	t.Rows, t.Cols = t.Cols, t.Rows
}

func (t *Tensor) ScaleBy(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Equal reports whether a and b have the same shape and identical elements.
func Equal(a, b *Tensor) bool {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// AddInPlace adds b to a element-wise.
func AddInPlace(a, b *Tensor) error {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return DimensionMismatchError{Op: "add", ARows: a.Rows, ACols: a.Cols, BRows: b.Rows, BCols: b.Cols}
	}
	for i := range a.Data {
		a.Data[i] += b.Data[i]
	}
	return nil
}

// MulInPlace multiplies a by b element-wise.
func MulInPlace(a, b *Tensor) error {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return DimensionMismatchError{Op: "mul", ARows: a.Rows, ACols: a.Cols, BRows: b.Rows, BCols: b.Cols}
	}
	for i := range a.Data {
		a.Data[i] *= b.Data[i]
	}
	return nil
}

// CountNonFinite returns the number of NaN and Inf values in t.
func CountNonFinite(t *Tensor) (nans, infs int) {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) {
			nans++
		} else if math.IsInf(f, 0) {
			infs++
		}
	}
	return nans, infs
}
