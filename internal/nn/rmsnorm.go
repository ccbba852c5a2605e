package nn

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/quarrel-decode/internal/metrics"
	"github.com/23skdu/quarrel-decode/internal/tensor"
	"github.com/23skdu/quarrel-decode/internal/weights"
)

const DefaultEps float32 = 1e-6

type RMSNorm struct {
	// Gain is dim x 1 and already carries the +1 offset.
	Gain *tensor.Tensor
	Dim  int
	Eps  float32
}

// NewRMSNorm builds the layer from checkpoint gains; 1.0 is added to a copy of
// every gain, so an all-zero weight normalises without rescaling.
func NewRMSNorm(weight []float32, dim int) (*RMSNorm, error) {
	return NewRMSNormEps(weight, dim, DefaultEps)
}

func NewRMSNormEps(weight []float32, dim int, eps float32) (*RMSNorm, error) {
	if len(weight) != dim {
		return nil, fail("rmsnorm", tensor.SizeMismatchError{What: fmt.Sprintf("rmsnorm dim %d", dim), Got: len(weight), Want: dim})
	}
	gain := weights.OffsetGain(weight, 1.0)
	return &RMSNorm{
		Gain: &tensor.Tensor{Data: gain, Rows: dim, Cols: 1},
		Dim:  dim,
		Eps:  eps,
	}, nil
}

// Normalize divides every row of x, in place, by sqrt(mean(x²) + eps).
func (n *RMSNorm) Normalize(x *tensor.Tensor) error {
	if x.Cols == 0 {
		return fail("rmsnorm", tensor.InvalidInputError{Op: "rmsnorm", Reason: fmt.Sprintf("empty rows in %dx%d tensor", x.Rows, x.Cols)})
	}
	for r := 0; r < x.Rows; r++ {
		row := x.Data[r*x.Cols : (r+1)*x.Cols]
		var sq float32
		for _, v := range row {
			sq += v * v
		}
		sq /= float32(x.Cols)
		sq += n.Eps
		denom := float32(math.Sqrt(float64(sq)))
		for c := range row {
			row[c] /= denom
		}
	}
	return nil
}

// Forward normalises x in place and then contracts it with the gain column,
// producing a rows x 1 tensor.
func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	start := time.Now()
	if err := n.Normalize(x); err != nil {
		return nil, err
	}
	out, err := tensor.MatMul(x, n.Gain)
	if err != nil {
		return nil, fail("rmsnorm", err)
	}
	metrics.RecordOpDuration("rmsnorm", time.Since(start))
	return out, nil
}

// Scale normalises x in place and multiplies every column by its gain,
// keeping x's shape. x is returned for chaining.
func (n *RMSNorm) Scale(x *tensor.Tensor) (*tensor.Tensor, error) {
	start := time.Now()
	if x.Cols != n.Dim {
		return nil, fail("rmsnorm", tensor.DimensionMismatchError{Op: "rmsnorm scale", ARows: x.Rows, ACols: x.Cols, BRows: n.Dim, BCols: 1})
	}
	if err := n.Normalize(x); err != nil {
		return nil, err
	}
	for r := 0; r < x.Rows; r++ {
		row := x.Data[r*x.Cols : (r+1)*x.Cols]
		for c := range row {
			row[c] *= n.Gain.Data[c]
		}
	}
	metrics.RecordOpDuration("rmsnorm", time.Since(start))
	return x, nil
}
