package nn

import (
	"fmt"
	"time"

	"github.com/23skdu/quarrel-decode/internal/metrics"
	"github.com/23skdu/quarrel-decode/internal/tensor"
)

type Embedding struct {
	Weight        *tensor.Tensor // num x dim
	NumEmbeddings int
	EmbeddingDim  int
}

func NewEmbedding(weight []float32, numEmbeddings, embeddingDim int) (*Embedding, error) {
	w, err := tensor.New(weight, numEmbeddings, embeddingDim)
	if err != nil {
		return nil, fail("embedding", err)
	}
	return &Embedding{Weight: w, NumEmbeddings: numEmbeddings, EmbeddingDim: embeddingDim}, nil
}

// Forward stacks the rows of ids into a len(ids) x dim tensor.
func (e *Embedding) Forward(ids []int) (*tensor.Tensor, error) {
	start := time.Now()
	out := tensor.Zeros(len(ids), e.EmbeddingDim)
	for i, id := range ids {
		if id < 0 || id >= e.NumEmbeddings {
			return nil, fail("embedding", tensor.InvalidInputError{
				Op:     "embedding",
				Reason: fmt.Sprintf("id %d out of range [0,%d)", id, e.NumEmbeddings),
			})
		}
		copy(out.Data[i*e.EmbeddingDim:(i+1)*e.EmbeddingDim], e.Weight.Data[id*e.EmbeddingDim:(id+1)*e.EmbeddingDim])
	}
	metrics.RecordOpDuration("embedding", time.Since(start))
	return out, nil
}

// Logits projects hidden (rows x dim) onto every embedding row, giving
// rows x num scores. This is the tied output head.
func (e *Embedding) Logits(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	start := time.Now()
	out, err := tensor.MatMulT(hidden, e.Weight)
	if err != nil {
		return nil, fail("logits", err)
	}
	metrics.RecordOpDuration("logits", time.Since(start))
	return out, nil
}
