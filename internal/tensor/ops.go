package tensor

import "fmt"

const (
	AxisRows = 0
	AxisCols = 1
)

// MatMul returns a x b. Each output element accumulates k = 0..a.Cols-1 in order.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Cols != b.Rows {
		return nil, DimensionMismatchError{Op: "matmul", ARows: a.Rows, ACols: a.Cols, BRows: b.Rows, BCols: b.Cols}
	}
	out := Zeros(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		aRow := a.Data[i*a.Cols : (i+1)*a.Cols]
		for j := 0; j < b.Cols; j++ {
			var sum float32
			for k, av := range aRow {
				sum += av * b.Data[k*b.Cols+j]
			}
			out.Data[i*b.Cols+j] = sum
		}
	}
	return out, nil
}

// MatMulT returns a x bᵗ without materialising the transpose. Accumulation
// order matches MatMul(a, transpose(b)).
func MatMulT(a, b *Tensor) (*Tensor, error) {
	if a.Cols != b.Cols {
		return nil, DimensionMismatchError{Op: "matmul_t", ARows: a.Rows, ACols: a.Cols, BRows: b.Cols, BCols: b.Rows}
	}
	out := Zeros(a.Rows, b.Rows)
	for i := 0; i < a.Rows; i++ {
		aRow := a.Data[i*a.Cols : (i+1)*a.Cols]
		for j := 0; j < b.Rows; j++ {
			bRow := b.Data[j*b.Cols : (j+1)*b.Cols]
			var sum float32
			for k, av := range aRow {
				sum += av * bRow[k]
			}
			out.Data[i*b.Rows+j] = sum
		}
	}
	return out, nil
}

// Concat returns a new tensor holding a followed by b along axis.
// AxisRows stacks b below a (equal Cols); AxisCols places b right of a (equal Rows).
func Concat(a, b *Tensor, axis int) (*Tensor, error) {
	switch axis {
	case AxisRows:
		if a.Cols != b.Cols {
			return nil, DimensionMismatchError{Op: "concat rows", ARows: a.Rows, ACols: a.Cols, BRows: b.Rows, BCols: b.Cols}
		}
		data := make([]float32, 0, len(a.Data)+len(b.Data))
		data = append(data, a.Data...)
		data = append(data, b.Data...)
		return &Tensor{Data: data, Rows: a.Rows + b.Rows, Cols: a.Cols}, nil
	case AxisCols:
		if a.Rows != b.Rows {
			return nil, DimensionMismatchError{Op: "concat cols", ARows: a.Rows, ACols: a.Cols, BRows: b.Rows, BCols: b.Cols}
		}
		cols := a.Cols + b.Cols
		data := make([]float32, a.Rows*cols)
		for r := 0; r < a.Rows; r++ {
			copy(data[r*cols:], a.Data[r*a.Cols:(r+1)*a.Cols])
			copy(data[r*cols+a.Cols:], b.Data[r*b.Cols:(r+1)*b.Cols])
		}
		return &Tensor{Data: data, Rows: a.Rows, Cols: cols}, nil
	default:
		return nil, InvalidInputError{Op: "concat", Reason: fmt.Sprintf("unknown axis %d", axis)}
	}
}

// Append grows t by b along axis, replacing t's buffer.
// An empty tensor (0 elements) adopts whatever shape b requires.
func (t *Tensor) Append(b *Tensor, axis int) error {
	if t.Len() == 0 {
		switch {
		case axis == AxisRows && t.Cols == 0:
			t.Cols = b.Cols
		case axis == AxisCols && t.Rows == 0:
			t.Rows = b.Rows
		}
	}
	out, err := Concat(t, b, axis)
	if err != nil {
		return err
	}
	*t = *out
	return nil
}
