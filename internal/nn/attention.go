package nn

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/quarrel-decode/internal/kvcache"
	"github.com/23skdu/quarrel-decode/internal/metrics"
	"github.com/23skdu/quarrel-decode/internal/tensor"
	"github.com/23skdu/quarrel-decode/internal/weights"
)

type AttentionConfig struct {
	Layer              int
	HiddenSize         int
	NumHeads           int
	NumKVHeads         int
	HeadDim            int
	QueryPreAttnScalar int

	// AttnLogitSoftCap squashes scores with cap*tanh(s/cap) before softmax; 0 disables.
	AttnLogitSoftCap float32
	// RopeBase defaults to 10000.
	RopeBase float32
}

func (c AttentionConfig) validate() error {
	bad := func(reason string) error {
		return tensor.InvalidInputError{Op: "attention config", Reason: reason}
	}
	switch {
	case c.HiddenSize <= 0:
		return bad(fmt.Sprintf("hidden_size %d", c.HiddenSize))
	case c.NumHeads <= 0 || c.NumKVHeads <= 0:
		return bad(fmt.Sprintf("heads %d kv_heads %d", c.NumHeads, c.NumKVHeads))
	case c.NumHeads%c.NumKVHeads != 0:
		return bad(fmt.Sprintf("heads %d not divisible by kv_heads %d", c.NumHeads, c.NumKVHeads))
	case c.HeadDim <= 0 || c.HeadDim%2 != 0:
		return bad(fmt.Sprintf("head_dim %d", c.HeadDim))
	case c.QueryPreAttnScalar <= 0:
		return bad(fmt.Sprintf("query_pre_attn_scalar %d", c.QueryPreAttnScalar))
	}
	return nil
}

// Attention is grouped-query self-attention for one new token at a time.
// NumHeads/NumKVHeads query heads share each key/value head.
type Attention struct {
	cfg          AttentionConfig
	qSize        int
	kvSize       int
	queriesPerKV int
	scaling      float32

	QProj *Linear
	KProj *Linear
	VProj *Linear
	OProj *Linear
}

// NewAttention splits weight into q, k, v, o projections
// (weights.AttentionLayout); the buffer length must match exactly.
func NewAttention(weight []float32, cfg AttentionConfig) (*Attention, error) {
	if err := cfg.validate(); err != nil {
		return nil, fail("attention", err)
	}
	if cfg.RopeBase <= 0 {
		cfg.RopeBase = DefaultRopeBase
	}

	a := &Attention{
		cfg:          cfg,
		qSize:        cfg.NumHeads * cfg.HeadDim,
		kvSize:       cfg.NumKVHeads * cfg.HeadDim,
		queriesPerKV: cfg.NumHeads / cfg.NumKVHeads,
		scaling:      float32(1.0 / math.Sqrt(float64(cfg.QueryPreAttnScalar))),
	}

	parts, err := weights.AttentionLayout(cfg.HiddenSize, a.qSize, a.kvSize).Split(weight)
	if err != nil {
		return nil, fail("attention", err)
	}
	if a.QProj, err = NewLinear(parts[weights.QProj], cfg.HiddenSize, a.qSize); err != nil {
		return nil, err
	}
	if a.KProj, err = NewLinear(parts[weights.KProj], cfg.HiddenSize, a.kvSize); err != nil {
		return nil, err
	}
	if a.VProj, err = NewLinear(parts[weights.VProj], cfg.HiddenSize, a.kvSize); err != nil {
		return nil, err
	}
	if a.OProj, err = NewLinear(parts[weights.OProj], a.qSize, cfg.HiddenSize); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Attention) Config() AttentionConfig { return a.cfg }
func (a *Attention) QSize() int              { return a.qSize }
func (a *Attention) KVSize() int             { return a.kvSize }
func (a *Attention) Scaling() float32        { return a.scaling }

// KVHead is the key/value head shared by query head h.
func (a *Attention) KVHead(h int) int {
	return h / a.queriesPerKV
}

// NewCache returns an empty cache shaped for this layer.
func (a *Attention) NewCache() *kvcache.Cache {
	return kvcache.New(a.cfg.Layer, a.cfg.NumKVHeads, a.cfg.HeadDim)
}

// Forward attends the 1 x hidden row x at absolute position pos over cache,
// appending this position to it, and returns the o_proj output (1 x hidden).
func (a *Attention) Forward(x *tensor.Tensor, pos int, cache *kvcache.Cache) (*tensor.Tensor, error) {
	heads, err := a.Attend(x, pos, cache)
	if err != nil {
		return nil, err
	}
	return a.Project(heads)
}

// Project applies o_proj to the concatenated head outputs (1 x q_size).
func (a *Attention) Project(heads *tensor.Tensor) (*tensor.Tensor, error) {
	return a.OProj.Forward(heads)
}

// Attend does everything Forward does except the output projection and
// returns the concatenated head outputs (1 x q_size).
func (a *Attention) Attend(x *tensor.Tensor, pos int, cache *kvcache.Cache) (*tensor.Tensor, error) {
	start := time.Now()
	if err := a.checkInputs(x, pos, cache); err != nil {
		return nil, fail("attention", err)
	}

	q, err := a.QProj.Forward(x)
	if err != nil {
		return nil, err
	}
	k, err := a.KProj.Forward(x)
	if err != nil {
		return nil, err
	}
	v, err := a.VProj.Forward(x)
	if err != nil {
		return nil, err
	}

	if err := ApplyRoPE(q, pos, a.cfg.NumHeads, a.cfg.HeadDim, a.cfg.RopeBase); err != nil {
		return nil, err
	}
	if err := ApplyRoPE(k, pos, a.cfg.NumKVHeads, a.cfg.HeadDim, a.cfg.RopeBase); err != nil {
		return nil, err
	}
	q.ScaleBy(a.scaling)

	if err := cache.Append(k, v); err != nil {
		return nil, fail("attention", err)
	}

	out := tensor.Zeros(1, 0)
	for h := 0; h < a.cfg.NumHeads; h++ {
		head, err := a.attendHead(q, h, cache)
		if err != nil {
			return nil, fail("attention", fmt.Errorf("layer %d head %d: %w", a.cfg.Layer, h, err))
		}
		if err := out.Append(head, tensor.AxisCols); err != nil {
			return nil, fail("attention", err)
		}
	}
	if out.Cols != a.qSize {
		return nil, fail("attention", tensor.DimensionMismatchError{Op: "attention concat", ARows: out.Rows, ACols: out.Cols, BRows: 1, BCols: a.qSize})
	}

	metrics.RecordOpDuration("attention", time.Since(start))
	return out, nil
}

// attendHead computes softmax(q_h · K) · V for query head h against the
// history of its key/value head.
func (a *Attention) attendHead(q *tensor.Tensor, h int, cache *kvcache.Cache) (*tensor.Tensor, error) {
	qh, err := q.Slice(h*a.cfg.HeadDim, (h+1)*a.cfg.HeadDim)
	if err != nil {
		return nil, err
	}
	kvh := a.KVHead(h)
	keys, err := cache.Keys(kvh)
	if err != nil {
		return nil, err
	}
	values, err := cache.Values(kvh)
	if err != nil {
		return nil, err
	}

	scores, err := tensor.MatMul(qh, keys) // 1 x seq
	if err != nil {
		return nil, err
	}
	tensor.SoftCap(scores, a.cfg.AttnLogitSoftCap)
	if err := tensor.Softmax(scores); err != nil {
		return nil, err
	}
	return tensor.MatMul(scores, values) // 1 x head_dim
}

func (a *Attention) checkInputs(x *tensor.Tensor, pos int, cache *kvcache.Cache) error {
	if x.Rows != 1 || x.Cols != a.cfg.HiddenSize {
		return tensor.DimensionMismatchError{Op: "attention input", ARows: x.Rows, ACols: x.Cols, BRows: 1, BCols: a.cfg.HiddenSize}
	}
	if cache == nil {
		return tensor.InvalidInputError{Op: "attention", Reason: "nil cache"}
	}
	if cache.Heads() != a.cfg.NumKVHeads || cache.HeadDim() != a.cfg.HeadDim {
		return tensor.InvalidInputError{Op: "attention", Reason: fmt.Sprintf(
			"cache shaped for %d kv heads of %d, layer needs %d of %d",
			cache.Heads(), cache.HeadDim(), a.cfg.NumKVHeads, a.cfg.HeadDim)}
	}
	if pos != cache.Len() {
		return tensor.InvalidInputError{Op: "attention", Reason: fmt.Sprintf(
			"position %d out of order, cache holds %d positions", pos, cache.Len())}
	}
	return nil
}
