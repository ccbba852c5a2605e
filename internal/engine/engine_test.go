package engine

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/23skdu/quarrel-decode/internal/config"
	"github.com/23skdu/quarrel-decode/internal/logger"
	"github.com/23skdu/quarrel-decode/internal/tensor"
	"github.com/23skdu/quarrel-decode/internal/weights"
)

func tinyConfig() config.Config {
	cfg := config.Default()
	cfg.HiddenSize = 8
	cfg.IntermediateSize = 12
	cfg.Layers = 2
	cfg.Heads = 2
	cfg.KVHeads = 1
	cfg.HeadDim = 4
	cfg.VocabSize = 16
	cfg.SeqLen = 32
	cfg.QueryPreAttnScalar = 4
	return cfg
}

func tinyWeights(t *testing.T, cfg config.Config, fill func(rng *rand.Rand) float32) *weights.File {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	var tensors [][]float32
	for _, spec := range weights.FileLayout(cfg) {
		v := make([]float32, spec.Size)
		for i := range v {
			v[i] = fill(rng)
		}
		tensors = append(tensors, v)
	}
	var buf bytes.Buffer
	if err := weights.Write(&buf, weights.Magic+" tiny", tensors); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := weights.Read(&buf, cfg, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return f
}

func randomFill(rng *rand.Rand) float32 { return rng.Float32() - 0.5 }
func zeroFill(*rand.Rand) float32       { return 0 }

func newTestEngine(t *testing.T, cfg config.Config, fill func(*rand.Rand) float32) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, tinyWeights(t, cfg, fill))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestStepGrowsEveryLayer(t *testing.T) {
	e := newTestEngine(t, tinyConfig(), randomFill)
	s := e.NewSession("grow")
	defer s.Close()

	for pos, token := range []int{2, 5, 9, 5} {
		logits, err := e.Step(s, token, pos)
		if err != nil {
			t.Fatalf("Step %d: %v", pos, err)
		}
		if len(logits) != 16 {
			t.Fatalf("got %d logits, want 16", len(logits))
		}
		for l := 0; l < s.Layers(); l++ {
			c, _ := s.Layer(l)
			if c.Len() != pos+1 {
				t.Errorf("after step %d layer %d holds %d positions", pos, l, c.Len())
			}
		}
		if err := AuditSession(s); err != nil {
			t.Error(err)
		}
	}
}

func TestStepLogitsSoftCapped(t *testing.T) {
	cfg := tinyConfig()
	cfg.FinalLogitSoftCap = 2
	e := newTestEngine(t, cfg, func(rng *rand.Rand) float32 { return rng.Float32()*20 - 10 })
	s := e.NewSession("cap")
	logits, err := e.Step(s, 3, 0)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	for i, v := range logits {
		if v < -2 || v > 2 {
			t.Errorf("logit %d = %v exceeds cap", i, v)
		}
	}
}

func TestStepReportsAudit(t *testing.T) {
	e := newTestEngine(t, tinyConfig(), randomFill)
	var audits []LogitRangeAuditResult
	e.OnAudit = func(a LogitRangeAuditResult) { audits = append(audits, a) }

	s := e.NewSession("audit")
	for pos, token := range []int{1, 4} {
		if _, err := e.Step(s, token, pos); err != nil {
			t.Fatalf("Step %d: %v", pos, err)
		}
	}
	if len(audits) != 2 {
		t.Fatalf("got %d audits, want 2", len(audits))
	}
	for i, a := range audits {
		if !a.Healthy() || a.Min > a.Max {
			t.Errorf("audit %d: %+v", i, a)
		}
	}
}

func TestStepRejectsBadInput(t *testing.T) {
	e := newTestEngine(t, tinyConfig(), randomFill)

	s := e.NewSession("bad")
	if _, err := e.Step(s, 3, 1); !errors.Is(err, tensor.ErrInvalidInput) {
		t.Errorf("position ahead of cache: expected invalid input, got %v", err)
	}
	if _, err := e.Step(s, 99, 0); !errors.Is(err, tensor.ErrInvalidInput) {
		t.Errorf("token outside vocabulary: expected invalid input, got %v", err)
	}
	if s.Positions() != 0 {
		t.Errorf("rejected steps grew the session to %d", s.Positions())
	}

	s.Close()
	if _, err := e.Step(s, 3, 0); err == nil {
		t.Error("expected error stepping a closed session")
	}
}

func TestZeroWeightBlockIsIdentity(t *testing.T) {
	cfg := tinyConfig()
	f := tinyWeights(t, cfg, zeroFill)
	b, err := NewBlock(f, cfg, 0)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	x := tensor.FromRow([]float32{1, -2, 3, -4, 5, -6, 7, -8})
	orig := x.Clone()
	e := newTestEngine(t, cfg, zeroFill)
	cache, _ := e.NewSession("zero").Layer(0)

	out, _, err := b.Forward(x, 0, cache)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !tensor.Equal(x, orig) {
		t.Error("Forward modified its input")
	}
	if !tensor.Equal(out, orig) {
		t.Errorf("zero block changed the residual stream: %v", out.Data)
	}
}

func TestInferGreedyDeterministic(t *testing.T) {
	e := newTestEngine(t, tinyConfig(), randomFill)
	prompt := []int{2, 7, 4}

	run := func() []int {
		s := e.NewSession("greedy")
		defer s.Close()
		out, err := e.Infer(context.Background(), s, prompt, 6, SamplerConfig{Temperature: 0})
		if err != nil {
			t.Fatalf("Infer: %v", err)
		}
		if s.Positions() != len(prompt)+len(out)-1 {
			t.Errorf("session holds %d positions after %d prompt and %d generated", s.Positions(), len(prompt), len(out))
		}
		return out
	}

	first, second := run(), run()
	if len(first) == 0 || len(first) > 6 {
		t.Fatalf("generated %d tokens", len(first))
	}
	if len(first) < 6 && first[len(first)-1] != e.Config.EOSTokenID {
		t.Errorf("stopped early without EOS: %v", first)
	}
	if len(first) != len(second) {
		t.Fatalf("runs differ: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("runs differ: %v vs %v", first, second)
		}
	}
}

func TestInferMatchesSteppedArgmax(t *testing.T) {
	e := newTestEngine(t, tinyConfig(), randomFill)
	prompt := []int{2, 9}

	var streamed []int
	e.OnToken = func(id int) { streamed = append(streamed, id) }
	out, err := e.Infer(context.Background(), e.NewSession("infer"), prompt, 1, SamplerConfig{})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	e.OnToken = nil

	s := e.NewSession("manual")
	var logits []float32
	for pos, tok := range prompt {
		if logits, err = e.Step(s, tok, pos); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if want := argMax(logits); len(out) != 1 || out[0] != want {
		t.Errorf("Infer produced %v, stepped argmax is %d", out, want)
	}
	if len(streamed) != 1 || streamed[0] != out[0] {
		t.Errorf("callback saw %v", streamed)
	}
}

func TestInferErrors(t *testing.T) {
	e := newTestEngine(t, tinyConfig(), randomFill)

	if _, err := e.Infer(context.Background(), e.NewSession("a"), nil, 3, SamplerConfig{}); err == nil {
		t.Error("expected error for empty prompt")
	}
	if _, err := e.Infer(context.Background(), e.NewSession("b"), []int{2, 16}, 3, SamplerConfig{}); err == nil {
		t.Error("expected error for out-of-vocabulary prompt")
	}
	if _, err := e.Infer(context.Background(), e.NewSession("n"), []int{2, 3}, -1, SamplerConfig{}); err == nil {
		t.Error("expected error for negative token count")
	}
	long := make([]int, 33)
	if _, err := e.Infer(context.Background(), e.NewSession("c"), long, 1, SamplerConfig{}); err == nil {
		t.Error("expected error for prompt longer than the context")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := e.NewSession("d")
	if _, err := e.Infer(ctx, s, []int{2, 3}, 3, SamplerConfig{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if s.Positions() != 0 {
		t.Errorf("cancelled run consumed %d positions", s.Positions())
	}
}

func TestStepRollsBackOnLayerError(t *testing.T) {
	e := newTestEngine(t, tinyConfig(), randomFill)
	s := e.NewSession("rollback")
	defer s.Close()

	// layer 1 already holds a position, so the step fails there after
	// layer 0 has appended
	c0, _ := s.Layer(0)
	c1, _ := s.Layer(1)
	width := e.Config.KVSize()
	if err := c1.Append(tensor.Zeros(1, width), tensor.Zeros(1, width)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Step(s, 3, 0); !errors.Is(err, tensor.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if c0.Len() != 0 || c1.Len() != 1 {
		t.Fatalf("after failed step layers hold %d and %d positions, want 0 and 1", c0.Len(), c1.Len())
	}

	c1.Reset()
	if _, err := e.Step(s, 3, 0); err != nil {
		t.Fatalf("Step after rollback: %v", err)
	}
	if c0.Len() != 1 || c1.Len() != 1 {
		t.Errorf("layers hold %d and %d positions, want 1 and 1", c0.Len(), c1.Len())
	}
}

func TestInferStopsAtContextLimit(t *testing.T) {
	cfg := tinyConfig()
	cfg.SeqLen = 4
	e := newTestEngine(t, cfg, randomFill)
	s := e.NewSession("limit")
	out, err := e.Infer(context.Background(), s, []int{2, 3}, 10, SamplerConfig{Temperature: 0})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if s.Positions() > cfg.SeqLen {
		t.Errorf("session grew to %d positions past the limit %d", s.Positions(), cfg.SeqLen)
	}
	if len(out) > 3 {
		t.Errorf("generated %d tokens with room for 2 more positions", len(out))
	}
}

func TestActivationLog(t *testing.T) {
	cfg := tinyConfig()
	cfg.DebugActivations = true
	e := newTestEngine(t, cfg, randomFill)

	out, err := e.Infer(context.Background(), e.NewSession("act"), []int{2, 4}, 3, SamplerConfig{Temperature: 0})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	log := e.ActLogger.Log()
	if log == nil {
		t.Fatal("activation log not enabled")
	}
	if want := 2 + len(out) - 1; len(log.Steps) != want {
		t.Errorf("%d steps logged, want %d", len(log.Steps), want)
	}
	for _, step := range log.Steps {
		if len(step.Layers) != cfg.Layers {
			t.Errorf("step %d logged %d layers", step.Position, len(step.Layers))
		}
		if len(step.TopLogits) != loggedLogits {
			t.Errorf("step %d logged %d logits", step.Position, len(step.TopLogits))
		}
	}

	path := filepath.Join(t.TempDir(), "activations.json")
	if err := e.ActLogger.SaveToFile(path); err != nil {
		t.Errorf("SaveToFile: %v", err)
	}
}

func TestAttentionDebugLog(t *testing.T) {
	var buf bytes.Buffer
	prev, prevLevel := logger.Log, zerolog.GlobalLevel()
	logger.Log = logger.New(&buf, "json")
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer func() {
		logger.Log = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	cfg := tinyConfig()
	e := newTestEngine(t, cfg, randomFill)
	s := e.NewSession("quiet")
	if _, err := e.Step(s, 2, 0); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if strings.Contains(buf.String(), "Attention output") {
		t.Fatal("attention logged without the debug flag")
	}

	e.Config.DebugAttention = true
	if _, err := e.Step(s, 3, 1); err != nil {
		t.Fatalf("Step: %v", err)
	}
	var lines int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.Contains(line, "Attention output") {
			continue
		}
		lines++
		if !strings.Contains(line, `"component":"attention"`) || !strings.Contains(line, `"cache_len":2`) {
			t.Errorf("unexpected attention log line %s", line)
		}
	}
	if lines != cfg.Layers {
		t.Errorf("%d attention log lines, want one per layer (%d)", lines, cfg.Layers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "none.bin"), tinyConfig(), nil); err == nil {
		t.Error("expected error for missing weight file")
	}
	bad := tinyConfig()
	bad.Heads = 0
	if _, err := Load("unused", bad, nil); err == nil {
		t.Error("expected config validation error")
	}
}
