package nn

import (
	"fmt"
	"math"

	"github.com/23skdu/quarrel-decode/internal/tensor"
)

const DefaultRopeBase float32 = 10000.0

// ApplyRoPE rotates, in place, every (x[2j], x[2j+1]) pair of each head-sized
// chunk of the single-row x by θ = pos / base^(2j/headDim).
func ApplyRoPE(x *tensor.Tensor, pos, numHeads, headDim int, base float32) error {
	if x.Rows != 1 || x.Cols != numHeads*headDim {
		return fail("rope", tensor.DimensionMismatchError{Op: "rope", ARows: x.Rows, ACols: x.Cols, BRows: 1, BCols: numHeads * headDim})
	}
	if headDim%2 != 0 {
		return fail("rope", tensor.InvalidInputError{Op: "rope", Reason: fmt.Sprintf("odd head_dim %d", headDim)})
	}
	if base <= 0 {
		base = DefaultRopeBase
	}

	half := headDim / 2
	cos := make([]float32, half)
	sin := make([]float32, half)
	for j := 0; j < half; j++ {
		exponent := float32(2*j) / float32(headDim)
		theta := float32(pos) / float32(math.Pow(float64(base), float64(exponent)))
		cos[j] = float32(math.Cos(float64(theta)))
		sin[j] = float32(math.Sin(float64(theta)))
	}

	for h := 0; h < numHeads; h++ {
		chunk := x.Data[h*headDim : (h+1)*headDim]
		for j := 0; j < half; j++ {
			x0, x1 := chunk[2*j], chunk[2*j+1]
			chunk[2*j] = cos[j]*x0 - sin[j]*x1
			chunk[2*j+1] = sin[j]*x0 + cos[j]*x1
		}
	}
	return nil
}
