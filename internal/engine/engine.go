// Package engine drives the decoder: it assembles the layers from a weight
// file, runs one token at a time through the block stack and samples the
// next token.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/23skdu/quarrel-decode/internal/config"
	"github.com/23skdu/quarrel-decode/internal/kvcache"
	"github.com/23skdu/quarrel-decode/internal/logger"
	"github.com/23skdu/quarrel-decode/internal/metrics"
	"github.com/23skdu/quarrel-decode/internal/nn"
	"github.com/23skdu/quarrel-decode/internal/tensor"
	"github.com/23skdu/quarrel-decode/internal/weights"
)

// logits kept per step in the activation log
const loggedLogits = 10

type Engine struct {
	Config    config.Config
	Embedding *nn.Embedding
	Blocks    []*Block
	FinalNorm *nn.RMSNorm
	ActLogger *ActivationLogger

	// OnToken, when set, sees every sampled token during Infer.
	OnToken TokenCallback
	// OnAudit, when set, sees the logit audit of every Step.
	OnAudit func(LogitRangeAuditResult)

	embedScale float32
}

// NewEngine builds every layer from f. The embedding table doubles as the
// output head.
func NewEngine(cfg config.Config, f *weights.File) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	embed, err := f.Tensor(weights.EmbedTokens)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Config:     cfg,
		ActLogger:  NewActivationLogger(),
		embedScale: float32(math.Sqrt(float64(cfg.HiddenSize))),
	}
	if e.Embedding, err = nn.NewEmbedding(embed, cfg.VocabSize, cfg.HiddenSize); err != nil {
		return nil, err
	}

	e.Blocks = make([]*Block, cfg.Layers)
	for l := range e.Blocks {
		if e.Blocks[l], err = NewBlock(f, cfg, l); err != nil {
			return nil, err
		}
	}

	norm, err := f.Tensor(weights.FinalNorm)
	if err != nil {
		return nil, err
	}
	if e.FinalNorm, err = nn.NewRMSNormEps(norm, cfg.HiddenSize, cfg.Eps); err != nil {
		return nil, err
	}

	logger.Log.Info("Engine ready",
		"architecture", cfg.GetArchitecture(),
		"layers", cfg.Layers,
		"hidden", cfg.HiddenSize,
		"heads", cfg.Heads,
		"kv_heads", cfg.KVHeads,
		"head_dim", cfg.HeadDim,
		"vocab", cfg.VocabSize)
	return e, nil
}

// Load reads a GRMD weight file laid out for cfg and builds the engine.
func Load(modelPath string, cfg config.Config, progress weights.Progress) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	f, err := weights.ReadFile(modelPath, cfg, progress)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	var values int64
	for _, spec := range weights.FileLayout(cfg) {
		values += int64(spec.Size)
	}
	metrics.RecordWeightsLoaded(values)
	logger.Log.Info("Weights loaded", "path", modelPath, "values", values, "checksum", fmt.Sprintf("%016x", f.Checksum), "elapsed", time.Since(start).String())
	return NewEngine(cfg, f)
}

// NewSession opens an empty cache set shaped for this model.
func (e *Engine) NewSession(id string) *kvcache.Session {
	return kvcache.NewSession(id, e.Config.Layers, e.Config.KVHeads, e.Config.HeadDim)
}

// Step feeds token at absolute position pos through every layer and returns
// the vocabulary logits. pos must equal the number of positions s holds.
// On error every layer is rolled back to its length before the call, so s
// stays usable.
func (e *Engine) Step(s *kvcache.Session, token, pos int) (logits []float32, err error) {
	start := time.Now()
	if s.Layers() != len(e.Blocks) {
		return nil, fmt.Errorf("session %s has %d layers, model has %d", s.ID, s.Layers(), len(e.Blocks))
	}
	lengths, err := layerLengths(s)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			rollback(s, lengths)
		}
	}()
	return e.step(s, token, pos, start)
}

func layerLengths(s *kvcache.Session) ([]int, error) {
	lengths := make([]int, s.Layers())
	for l := range lengths {
		c, err := s.Layer(l)
		if err != nil {
			return nil, err
		}
		lengths[l] = c.Len()
	}
	return lengths, nil
}

func rollback(s *kvcache.Session, lengths []int) {
	for l, n := range lengths {
		if c, err := s.Layer(l); err == nil && c.Len() > n {
			c.Truncate(n)
			logger.Log.Debug("Layer cache rolled back", "session", s.ID, "layer", l, "positions", n)
		}
	}
}

func (e *Engine) step(s *kvcache.Session, token, pos int, start time.Time) ([]float32, error) {
	x, err := e.Embedding.Forward([]int{token})
	if err != nil {
		return nil, err
	}
	x.ScaleBy(e.embedScale)
	e.ActLogger.BeginStep(pos, token, x)

	for l, b := range e.Blocks {
		cache, err := s.Layer(l)
		if err != nil {
			return nil, err
		}
		out, attn, err := b.Forward(x, pos, cache)
		if err != nil {
			return nil, err
		}
		if e.Config.DebugAttention {
			nans, infs := tensor.CountNonFinite(attn)
			logger.Log.With("attention").Debug("Attention output",
				"layer", l, "pos", pos, "cache_len", cache.Len(), "max_abs", maxAbs(attn.Data), "nan", nans, "inf", infs)
		}
		if e.Config.DebugActivations {
			if nans, infs := tensor.CountNonFinite(out); nans+infs > 0 {
				metrics.RecordNumericalInstability(fmt.Sprintf("layer_%d", l), nans, infs)
				logger.Log.Warn("Non-finite activations", "layer", l, "pos", pos, "nan", nans, "inf", infs)
			}
		}
		e.ActLogger.LogLayer(l, attn, out)
		x = out
	}

	if _, err := e.FinalNorm.Scale(x); err != nil {
		return nil, err
	}
	logits, err := e.Embedding.Logits(x)
	if err != nil {
		return nil, err
	}
	tensor.SoftCap(logits, e.Config.FinalLogitSoftCap)

	audit := AuditLogitRange(logits.Data)
	metrics.RecordLogitAudit(audit.Max, audit.NumNaNs)
	if !audit.Healthy() {
		metrics.RecordNumericalInstability("logits", audit.NumNaNs, audit.NumInfs)
		logger.Log.Warn("Unhealthy logits", "pos", pos, "nan", audit.NumNaNs, "inf", audit.NumInfs, "flat", audit.IsFlat)
	}
	if e.OnAudit != nil {
		e.OnAudit(audit)
	}
	if e.ActLogger.IsEnabled() {
		e.ActLogger.LogLogits(logits.Data, topIDs(logits.Data, loggedLogits))
	}

	metrics.RecordDecodeStep(time.Since(start))
	return logits.Data, nil
}

// Infer prefills inputTokens into s and then samples up to tokensToGenerate
// new tokens, stopping early at EOS, at the context limit, or when ctx is
// done. The generated tokens are returned, also on cancellation.
func (e *Engine) Infer(ctx context.Context, s *kvcache.Session, inputTokens []int, tokensToGenerate int, samplerConfig SamplerConfig) ([]int, error) {
	if len(inputTokens) == 0 {
		return nil, errors.New("empty input tokens")
	}
	if tokensToGenerate < 0 {
		return nil, fmt.Errorf("tokens to generate must not be negative, got %d", tokensToGenerate)
	}
	for i, token := range inputTokens {
		if token < 0 || token >= e.Config.VocabSize {
			return nil, fmt.Errorf("input token %d at position %d is out of vocab range [0, %d)", token, i, e.Config.VocabSize)
		}
	}
	if s.Positions()+len(inputTokens) > e.Config.SeqLen {
		return nil, fmt.Errorf("prompt of %d tokens does not fit: session holds %d of %d positions", len(inputTokens), s.Positions(), e.Config.SeqLen)
	}
	if e.Config.DebugActivations {
		e.ActLogger.Enable(inputTokens)
	}

	start := time.Now()
	sampler := NewSampler(samplerConfig)
	history := append([]int(nil), inputTokens...)
	result := make([]int, 0, tokensToGenerate)

	var logits []float32
	for _, token := range inputTokens {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var err error
		if logits, err = e.Step(s, token, s.Positions()); err != nil {
			return result, err
		}
	}
	metrics.RecordContextLength(s.Positions())
	logger.Log.Debug("Prefill complete", "session", s.ID, "tokens", len(inputTokens), "elapsed", time.Since(start).String())

	for len(result) < tokensToGenerate {
		next := sampler.Sample(logits, history)
		result = append(result, next)
		history = append(history, next)
		if e.OnToken != nil {
			e.OnToken(next)
		}

		if next == e.Config.EOSTokenID || len(result) == tokensToGenerate {
			break
		}
		if s.Positions() >= e.Config.SeqLen {
			logger.Log.Warn("Context limit reached", "session", s.ID, "positions", s.Positions())
			break
		}
		if err := ctx.Err(); err != nil {
			metrics.RecordInference(len(result), time.Since(start))
			return result, err
		}
		var err error
		if logits, err = e.Step(s, next, s.Positions()); err != nil {
			return result, err
		}
	}

	metrics.RecordInference(len(result), time.Since(start))
	metrics.RecordContextLength(s.Positions())
	logger.Log.Info("Generation complete", "session", s.ID, "prompt", len(inputTokens), "generated", len(result), "elapsed", time.Since(start).String())
	return result, nil
}

// topIDs returns the ids of the n largest logits, largest first.
func topIDs(logits []float32, n int) []int {
	ids := make([]int, len(logits))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(i, j int) bool { return logits[ids[i]] > logits[ids[j]] })
	if n < len(ids) {
		ids = ids[:n]
	}
	return ids
}
