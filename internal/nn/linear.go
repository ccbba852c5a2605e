// Package nn holds the layers of the decoder: dense projection, RMS
// normalisation, the gated feed-forward block, token embedding and
// grouped-query attention with rotary positions.
//
// Every layer is built once from flat float32 buffers and is read-only
// afterwards, so a layer may be shared by several sessions as long as each
// session brings its own attention cache.
package nn

import (
	"fmt"

	"github.com/23skdu/quarrel-decode/internal/metrics"
	"github.com/23skdu/quarrel-decode/internal/tensor"
)

// Linear computes input x weightᵗ. The weight is stored already transposed
// (in x out) so Forward is a single matmul.
type Linear struct {
	WeightT     *tensor.Tensor
	InFeatures  int
	OutFeatures int
}

// NewLinear takes weight in the natural (out, in) row-major layout.
func NewLinear(weight []float32, inFeatures, outFeatures int) (*Linear, error) {
	if len(weight) != inFeatures*outFeatures {
		err := tensor.SizeMismatchError{
			What: fmt.Sprintf("linear %dx%d", outFeatures, inFeatures),
			Got:  len(weight),
			Want: inFeatures * outFeatures,
		}
		return nil, fail("linear", err)
	}
	w := &tensor.Tensor{Data: weight, Rows: outFeatures, Cols: inFeatures}
	w.Transpose()
	return &Linear{WeightT: w, InFeatures: inFeatures, OutFeatures: outFeatures}, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.MatMul(x, l.WeightT)
	if err != nil {
		return nil, fail("linear", err)
	}
	return out, nil
}

// fail counts err as a validation error of op and wraps it with op.
func fail(op string, err error) error {
	metrics.RecordValidationError(op, tensor.Kind(err))
	return fmt.Errorf("%s: %w", op, err)
}
