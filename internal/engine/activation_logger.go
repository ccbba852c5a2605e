package engine

import (
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"

	"github.com/23skdu/quarrel-decode/internal/logger"
	"github.com/23skdu/quarrel-decode/internal/tensor"
)

const sampleSize = 10

// ActivationLog stores per-step, per-layer activation summaries for debugging.
type ActivationLog struct {
	Tokens []int     `json:"tokens"`
	Steps  []StepLog `json:"steps"`
}

type StepLog struct {
	Position     int                `json:"position"`
	Token        int                `json:"token"`
	EmbeddingMax float32            `json:"embedding_max"`
	Embedding    []float32          `json:"embedding"` // first values only
	Layers       []LayerLog         `json:"layers"`
	TopLogits    map[string]float32 `json:"top_logits"`
}

// LayerLog captures the output of one block.
type LayerLog struct {
	Idx          int       `json:"idx"`
	AttnOutMax   float32   `json:"attn_out_max"`
	FFNOutMax    float32   `json:"ffn_out_max"`
	OutSample    []float32 `json:"out_sample"`
	AttnNaNCount int       `json:"attn_nan_count"`
	AttnInfCount int       `json:"attn_inf_count"`
	FFNNaNCount  int       `json:"ffn_nan_count"`
	FFNInfCount  int       `json:"ffn_inf_count"`
}

// ActivationLogger records activations while enabled. The zero value is
// disabled and every method is a no-op.
type ActivationLogger struct {
	enabled bool
	log     *ActivationLog
	current *StepLog
}

func NewActivationLogger() *ActivationLogger {
	return &ActivationLogger{}
}

func (al *ActivationLogger) Enable(tokens []int) {
	al.enabled = true
	al.log = &ActivationLog{Tokens: tokens}
	al.current = nil
}

func (al *ActivationLogger) IsEnabled() bool {
	return al != nil && al.enabled
}

// Log returns the collected activations, nil when disabled.
func (al *ActivationLogger) Log() *ActivationLog {
	if !al.IsEnabled() {
		return nil
	}
	return al.log
}

func (al *ActivationLogger) BeginStep(pos, token int, embedding *tensor.Tensor) {
	if !al.IsEnabled() {
		return
	}
	al.log.Steps = append(al.log.Steps, StepLog{
		Position:     pos,
		Token:        token,
		EmbeddingMax: maxAbs(embedding.Data),
		Embedding:    sample(embedding.Data),
		TopLogits:    make(map[string]float32),
	})
	al.current = &al.log.Steps[len(al.log.Steps)-1]
}

func (al *ActivationLogger) LogLayer(layer int, attnOut, ffnOut *tensor.Tensor) {
	if !al.IsEnabled() || al.current == nil {
		return
	}
	l := LayerLog{
		Idx:        layer,
		AttnOutMax: maxAbs(attnOut.Data),
		FFNOutMax:  maxAbs(ffnOut.Data),
		OutSample:  sample(ffnOut.Data),
	}
	l.AttnNaNCount, l.AttnInfCount = tensor.CountNonFinite(attnOut)
	l.FFNNaNCount, l.FFNInfCount = tensor.CountNonFinite(ffnOut)
	al.current.Layers = append(al.current.Layers, l)
}

// LogLogits keeps the logits of ids for the current step.
func (al *ActivationLogger) LogLogits(logits []float32, ids []int) {
	if !al.IsEnabled() || al.current == nil {
		return
	}
	for _, id := range ids {
		if id >= 0 && id < len(logits) {
			al.current.TopLogits[fmt.Sprint(id)] = logits[id]
		}
	}
}

func (al *ActivationLogger) SaveToFile(filename string) error {
	if !al.IsEnabled() || al.log == nil {
		return fmt.Errorf("no activation log to save")
	}
	data, err := json.MarshalIndent(al.log, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal activation log: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write activation log: %w", err)
	}
	logger.Log.Info("Activation log saved", "path", filename, "steps", len(al.log.Steps))
	return nil
}

func sample(data []float32) []float32 {
	n := sampleSize
	if len(data) < n {
		n = len(data)
	}
	out := make([]float32, n)
	copy(out, data[:n])
	return out
}

func maxAbs(data []float32) float32 {
	var m float64
	for _, v := range data {
		if a := math.Abs(float64(v)); a > m {
			m = a
		}
	}
	return float32(m)
}
