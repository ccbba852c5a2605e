package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/quarrel-decode/internal/kvcache"
	"github.com/23skdu/quarrel-decode/internal/tensor"
	"github.com/23skdu/quarrel-decode/internal/weights"
)

func testAttentionConfig() AttentionConfig {
	return AttentionConfig{
		HiddenSize:         8,
		NumHeads:           4,
		NumKVHeads:         2,
		HeadDim:            4,
		QueryPreAttnScalar: 4,
	}
}

func randomBuffer(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32() - 0.5
	}
	return out
}

func newTestAttention(t *testing.T, cfg AttentionConfig) *Attention {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	size := weights.AttentionLayout(cfg.HiddenSize, cfg.NumHeads*cfg.HeadDim, cfg.NumKVHeads*cfg.HeadDim).Size()
	a, err := NewAttention(randomBuffer(rng, size), cfg)
	if err != nil {
		t.Fatalf("NewAttention: %v", err)
	}
	return a
}

func TestAttentionCacheGrowth(t *testing.T) {
	a := newTestAttention(t, testAttentionConfig())
	cache := a.NewCache()
	if cache.Len() != 0 {
		t.Fatalf("fresh cache holds %d positions", cache.Len())
	}

	rng := rand.New(rand.NewSource(1))
	for pos := 0; pos < 5; pos++ {
		x := tensor.FromRow(randomBuffer(rng, 8))
		out, err := a.Forward(x, pos, cache)
		if err != nil {
			t.Fatalf("Forward at %d: %v", pos, err)
		}
		if out.Rows != 1 || out.Cols != 8 {
			t.Fatalf("output %dx%d, want 1x8", out.Rows, out.Cols)
		}
		if cache.Len() != pos+1 {
			t.Errorf("after %d calls cache holds %d positions", pos+1, cache.Len())
		}
		keys, _ := cache.Keys(1)
		values, _ := cache.Values(1)
		if keys.Cols != pos+1 || values.Rows != pos+1 {
			t.Errorf("head 1 history keys %dx%d values %dx%d", keys.Rows, keys.Cols, values.Rows, values.Cols)
		}
	}

	if other := a.NewCache(); other.Len() != 0 {
		t.Errorf("second session starts with %d positions", other.Len())
	}
}

func TestAttentionSinglePositionReturnsValues(t *testing.T) {
	a := newTestAttention(t, testAttentionConfig())
	x := tensor.FromRow([]float32{0.3, -0.1, 0.7, 0.2, -0.5, 0.4, 0.0, 0.9})

	v, err := a.VProj.Forward(x)
	if err != nil {
		t.Fatalf("VProj: %v", err)
	}
	heads, err := a.Attend(x, 0, a.NewCache())
	if err != nil {
		t.Fatalf("Attend: %v", err)
	}
	if heads.Cols != a.QSize() {
		t.Fatalf("attend width %d, want %d", heads.Cols, a.QSize())
	}

	// one position means softmax weight 1, so head h returns its kv head's value
	for h := 0; h < 4; h++ {
		kv := a.KVHead(h)
		for d := 0; d < 4; d++ {
			got := heads.Data[h*4+d]
			want := v.Data[kv*4+d]
			if !approx(got, want) {
				t.Errorf("head %d dim %d = %v, want %v", h, d, got, want)
			}
		}
	}
	for h := 0; h < 4; h += 2 {
		for d := 0; d < 4; d++ {
			if heads.Data[h*4+d] != heads.Data[(h+1)*4+d] {
				t.Errorf("heads %d and %d share kv head %d but differ", h, h+1, a.KVHead(h))
			}
		}
	}
}

func TestAttentionConvexCombination(t *testing.T) {
	a := newTestAttention(t, testAttentionConfig())
	cache := a.NewCache()
	rng := rand.New(rand.NewSource(7))
	for pos := 0; pos < 3; pos++ {
		if _, err := a.Attend(tensor.FromRow(randomBuffer(rng, 8)), pos, cache); err != nil {
			t.Fatalf("Attend at %d: %v", pos, err)
		}
	}

	heads, err := a.Attend(tensor.FromRow(randomBuffer(rng, 8)), 3, cache)
	if err != nil {
		t.Fatalf("Attend: %v", err)
	}
	for h := 0; h < 4; h++ {
		values, _ := cache.Values(a.KVHead(h))
		for d := 0; d < 4; d++ {
			lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
			for p := 0; p < values.Rows; p++ {
				v := values.At(p, d)
				lo = float32(math.Min(float64(lo), float64(v)))
				hi = float32(math.Max(float64(hi), float64(v)))
			}
			got := heads.Data[h*4+d]
			if got < lo-tolerance || got > hi+tolerance {
				t.Errorf("head %d dim %d = %v outside value range [%v, %v]", h, d, got, lo, hi)
			}
		}
	}
}

func TestAttentionSoftCapBoundsScores(t *testing.T) {
	cfg := testAttentionConfig()
	cfg.AttnLogitSoftCap = 50
	a := newTestAttention(t, cfg)
	cache := a.NewCache()
	x := tensor.FromRow(filled(8, 1000))
	for pos := 0; pos < 3; pos++ {
		out, err := a.Forward(x, pos, cache)
		if err != nil {
			t.Fatalf("Forward at %d: %v", pos, err)
		}
		if nans, infs := tensor.CountNonFinite(out); nans+infs != 0 {
			t.Fatalf("non-finite output at %d: %d NaN %d Inf", pos, nans, infs)
		}
	}
}

func TestAttentionRejectsBadInput(t *testing.T) {
	a := newTestAttention(t, testAttentionConfig())

	tests := []struct {
		name  string
		x     *tensor.Tensor
		pos   int
		cache *kvcache.Cache
		want  error
	}{
		{"position ahead of cache", tensor.Zeros(1, 8), 3, a.NewCache(), tensor.ErrInvalidInput},
		{"negative position", tensor.Zeros(1, 8), -1, a.NewCache(), tensor.ErrInvalidInput},
		{"wide input", tensor.Zeros(1, 9), 0, a.NewCache(), tensor.ErrDimensionMismatch},
		{"batched input", tensor.Zeros(2, 8), 0, a.NewCache(), tensor.ErrDimensionMismatch},
		{"cache for other layout", tensor.Zeros(1, 8), 0, kvcache.New(0, 4, 4), tensor.ErrInvalidInput},
		{"nil cache", tensor.Zeros(1, 8), 0, nil, tensor.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Forward(tt.x, tt.pos, tt.cache)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if tt.cache != nil && tt.cache.Len() != 0 {
				t.Errorf("rejected call grew the cache to %d", tt.cache.Len())
			}
		})
	}
}

func TestNewAttentionErrors(t *testing.T) {
	cfg := testAttentionConfig()
	if _, err := NewAttention(make([]float32, 10), cfg); !errors.Is(err, tensor.ErrSizeMismatch) {
		t.Errorf("expected size mismatch, got %v", err)
	}

	tests := []struct {
		name   string
		modify func(*AttentionConfig)
	}{
		{"heads not divisible", func(c *AttentionConfig) { c.NumHeads = 3 }},
		{"odd head dim", func(c *AttentionConfig) { c.HeadDim = 3 }},
		{"zero kv heads", func(c *AttentionConfig) { c.NumKVHeads = 0 }},
		{"zero scalar", func(c *AttentionConfig) { c.QueryPreAttnScalar = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testAttentionConfig()
			tt.modify(&c)
			if _, err := NewAttention(nil, c); !errors.Is(err, tensor.ErrInvalidInput) {
				t.Errorf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestAttentionScaling(t *testing.T) {
	cfg := testAttentionConfig()
	cfg.QueryPreAttnScalar = 16
	a := newTestAttention(t, cfg)
	if a.Scaling() != 0.25 {
		t.Errorf("scaling = %v, want 0.25", a.Scaling())
	}
	if a.Config().RopeBase != DefaultRopeBase {
		t.Errorf("rope base defaulted to %v", a.Config().RopeBase)
	}
}

func TestAttentionTwoPositionsByHand(t *testing.T) {
	cfg := AttentionConfig{HiddenSize: 2, NumHeads: 2, NumKVHeads: 1, HeadDim: 2, QueryPreAttnScalar: 4}
	w := []float32{
		// q_proj: head 0 copies x, head 1 swaps it
		1, 0, 0, 1,
		0, 1, 1, 0,
		// k_proj, v_proj: identity
		1, 0, 0, 1,
		1, 0, 0, 1,
		// o_proj: sums the two heads
		1, 0, 1, 0,
		0, 1, 0, 1,
	}
	a, err := NewAttention(w, cfg)
	if err != nil {
		t.Fatalf("NewAttention: %v", err)
	}
	cache := a.NewCache()
	if _, err := a.Forward(tensor.FromRow([]float32{1, 0}), 0, cache); err != nil {
		t.Fatalf("Forward at 0: %v", err)
	}
	heads, err := a.Attend(tensor.FromRow([]float32{0, 1}), 1, cache)
	if err != nil {
		t.Fatalf("Attend at 1: %v", err)
	}

	// position 1 turns k and q by one radian: k1 = (-sin 1, cos 1).
	sin1, cos1 := math.Sin(1), math.Cos(1)
	keys, _ := cache.Keys(0)
	for i, want := range []float64{1, -sin1, 0, cos1} {
		if !approx(keys.Data[i], float32(want)) {
			t.Errorf("cached keys %v, want rotated second key", keys.Data)
			break
		}
	}

	// with scaling 1/2, head 0 scores (-sin 1 / 2, 1/2) and head 1 scores
	// (cos 1 / 2, 0) against k0, k1; values are v0 = (1, 0), v1 = (0, 1)
	w1 := math.Exp(0.5) / (math.Exp(-0.5*sin1) + math.Exp(0.5))
	u0 := math.Exp(0.5*cos1) / (math.Exp(0.5*cos1) + 1)
	want := []float64{1 - w1, w1, u0, 1 - u0}
	for i := range want {
		if !approx(heads.Data[i], float32(want[i])) {
			t.Errorf("head output %d = %v, want %v", i, heads.Data[i], want[i])
		}
	}
	if !approx(heads.Data[1], 0.71519194) || !approx(heads.Data[2], 0.56713001) {
		t.Errorf("head outputs %v", heads.Data)
	}

	out, err := a.Project(heads)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if !approx(out.Data[0], float32(want[0]+want[2])) || !approx(out.Data[1], float32(want[1]+want[3])) {
		t.Errorf("o_proj output %v", out.Data)
	}
}
