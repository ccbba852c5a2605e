package nn

import (
	"time"

	"github.com/23skdu/quarrel-decode/internal/metrics"
	"github.com/23skdu/quarrel-decode/internal/tensor"
	"github.com/23skdu/quarrel-decode/internal/weights"
)

// MLP is the GELU-gated feed-forward block.
type MLP struct {
	GateProj *Linear
	UpProj   *Linear
	DownProj *Linear
}

// NewMLP splits weight as down, gate, up (weights.MLPLayout), each
// hiddenSize*intermediateSize long.
func NewMLP(weight []float32, hiddenSize, intermediateSize int) (*MLP, error) {
	parts, err := weights.MLPLayout(hiddenSize, intermediateSize).Split(weight)
	if err != nil {
		return nil, fail("mlp", err)
	}
	down, err := NewLinear(parts[weights.DownProj], intermediateSize, hiddenSize)
	if err != nil {
		return nil, err
	}
	gate, err := NewLinear(parts[weights.GateProj], hiddenSize, intermediateSize)
	if err != nil {
		return nil, err
	}
	up, err := NewLinear(parts[weights.UpProj], hiddenSize, intermediateSize)
	if err != nil {
		return nil, err
	}
	return &MLP{GateProj: gate, UpProj: up, DownProj: down}, nil
}

func (m *MLP) project(x *tensor.Tensor) (gate, up *tensor.Tensor, err error) {
	gate, err = m.GateProj.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	gate.ApplyGELU()
	up, err = m.UpProj.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	return gate, up, nil
}

// Forward computes down_proj(gelu(gate_proj(x)) x up_proj(x)), where the
// gate/up combination is a matrix product.
func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	start := time.Now()
	gate, up, err := m.project(x)
	if err != nil {
		return nil, err
	}
	fuse, err := tensor.MatMul(gate, up)
	if err != nil {
		return nil, fail("mlp fuse", err)
	}
	out, err := m.DownProj.Forward(fuse)
	if err != nil {
		return nil, err
	}
	metrics.RecordOpDuration("mlp", time.Since(start))
	return out, nil
}

// ForwardGated computes down_proj(gelu(gate_proj(x)) ⊙ up_proj(x)) with an
// element-wise gate.
func (m *MLP) ForwardGated(x *tensor.Tensor) (*tensor.Tensor, error) {
	start := time.Now()
	gate, up, err := m.project(x)
	if err != nil {
		return nil, err
	}
	if err := tensor.MulInPlace(gate, up); err != nil {
		return nil, fail("mlp gate", err)
	}
	out, err := m.DownProj.Forward(gate)
	if err != nil {
		return nil, err
	}
	metrics.RecordOpDuration("mlp", time.Since(start))
	return out, nil
}
