package engine

import (
	"fmt"

	"github.com/23skdu/quarrel-decode/internal/config"
	"github.com/23skdu/quarrel-decode/internal/kvcache"
	"github.com/23skdu/quarrel-decode/internal/nn"
	"github.com/23skdu/quarrel-decode/internal/tensor"
	"github.com/23skdu/quarrel-decode/internal/weights"
)

// Block is one Gemma-2 decoder layer: attention and feed-forward, each
// sandwiched between two RMS norms and added back onto the residual stream.
type Block struct {
	Layer int

	InputNorm           *nn.RMSNorm
	Attn                *nn.Attention
	PostAttnNorm        *nn.RMSNorm
	PreFeedForwardNorm  *nn.RMSNorm
	MLP                 *nn.MLP
	PostFeedForwardNorm *nn.RMSNorm
}

func NewBlock(f *weights.File, cfg config.Config, layer int) (*Block, error) {
	b := &Block{Layer: layer}

	norm := func(suffix string) (*nn.RMSNorm, error) {
		w, err := f.Tensor(weights.LayerTensorName(layer, suffix))
		if err != nil {
			return nil, err
		}
		return nn.NewRMSNormEps(w, cfg.HiddenSize, cfg.Eps)
	}

	var err error
	if b.InputNorm, err = norm(weights.InputLayerNorm); err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}
	if b.PostAttnNorm, err = norm(weights.PostAttentionLayerNorm); err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}
	if b.PreFeedForwardNorm, err = norm(weights.PreFeedForwardNorm); err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}
	if b.PostFeedForwardNorm, err = norm(weights.PostFeedForwardNorm); err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}

	attnLayout := weights.AttentionLayout(cfg.HiddenSize, cfg.QSize(), cfg.KVSize())
	attnWeight, err := f.Concat(weights.LayoutTensors(layer, attnLayout)...)
	if err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}
	b.Attn, err = nn.NewAttention(attnWeight, nn.AttentionConfig{
		Layer:              layer,
		HiddenSize:         cfg.HiddenSize,
		NumHeads:           cfg.Heads,
		NumKVHeads:         cfg.KVHeads,
		HeadDim:            cfg.HeadDim,
		QueryPreAttnScalar: cfg.QueryPreAttnScalar,
		AttnLogitSoftCap:   cfg.AttnLogitSoftCap,
		RopeBase:           cfg.RopeTheta,
	})
	if err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}

	mlpLayout := weights.MLPLayout(cfg.HiddenSize, cfg.IntermediateSize)
	mlpWeight, err := f.Concat(weights.LayoutTensors(layer, mlpLayout)...)
	if err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}
	if b.MLP, err = nn.NewMLP(mlpWeight, cfg.HiddenSize, cfg.IntermediateSize); err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}
	return b, nil
}

// Forward runs x (1 x hidden) at pos through the layer, extending cache.
// x is not modified. The attention output is returned for activation logging.
func (b *Block) Forward(x *tensor.Tensor, pos int, cache *kvcache.Cache) (out, attnOut *tensor.Tensor, err error) {
	h, err := b.InputNorm.Scale(x.Clone())
	if err != nil {
		return nil, nil, err
	}
	attn, err := b.Attn.Forward(h, pos, cache)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %d: %w", b.Layer, err)
	}
	if _, err := b.PostAttnNorm.Scale(attn); err != nil {
		return nil, nil, err
	}
	if err := tensor.AddInPlace(attn, x); err != nil {
		return nil, nil, fmt.Errorf("layer %d attention residual: %w", b.Layer, err)
	}

	h, err = b.PreFeedForwardNorm.Scale(attn.Clone())
	if err != nil {
		return nil, nil, err
	}
	ffn, err := b.MLP.ForwardGated(h)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %d: %w", b.Layer, err)
	}
	if _, err := b.PostFeedForwardNorm.Scale(ffn); err != nil {
		return nil, nil, err
	}
	if err := tensor.AddInPlace(ffn, attn); err != nil {
		return nil, nil, fmt.Errorf("layer %d feed-forward residual: %w", b.Layer, err)
	}
	return ffn, attn, nil
}
