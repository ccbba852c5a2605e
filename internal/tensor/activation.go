package tensor

import (
	"fmt"
	"math"
)

// sqrt(2/pi)
const geluCoeff = 0.7978845608028654

// Softmax normalises every row of t in place. The row maximum is subtracted
// before exponentiating.
func Softmax(t *Tensor) error {
	if t.Cols == 0 {
		return InvalidInputError{Op: "softmax", Reason: fmt.Sprintf("empty rows in %dx%d tensor", t.Rows, t.Cols)}
	}
	for r := 0; r < t.Rows; r++ {
		if err := SoftmaxRow(t.Data[r*t.Cols : (r+1)*t.Cols]); err != nil {
			return err
		}
	}
	return nil
}

// SoftmaxRow normalises x in place.
func SoftmaxRow(x []float32) error {
	if len(x) == 0 {
		return InvalidInputError{Op: "softmax", Reason: "empty row"}
	}
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	inv := 1 / sum
	for i := range x {
		x[i] *= inv
	}
	return nil
}

// GELU is the tanh approximation 0.5*x*(1+tanh(sqrt(2/pi)*(x+0.044715*x^3))).
func GELU(x float32) float32 {
	inner := float32(geluCoeff) * (x + float32(0.044715)*x*x*x)
	return float32(0.5) * x * (1 + float32(math.Tanh(float64(inner))))
}

func (t *Tensor) ApplyGELU() {
	for i, v := range t.Data {
		t.Data[i] = GELU(v)
	}
}

// SoftCap squashes every element into (-cap, cap) with cap*tanh(x/cap).
// A non-positive cap leaves t untouched.
func SoftCap(t *Tensor, cap float32) {
	if cap <= 0 {
		return
	}
	for i, v := range t.Data {
		t.Data[i] = cap * float32(math.Tanh(float64(v/cap)))
	}
}
