package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/23skdu/quarrel-decode/internal/logger"
)

// repetition penalty looks this far back into the history
const penaltyWindow = 64

type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Sample picks the next token. logits may be modified by the repetition
// penalty. Temperature 0 is greedy.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if !finite(logits) {
		logger.Log.Warn("Non-finite logits, falling back to argmax of finite values")
		return argMax(logits)
	}

	if s.Config.RepPenalty > 1.0 && len(history) > 0 {
		s.applyRepetitionPenalty(logits, history)
	}

	if s.Config.Temperature <= 0 {
		return argMax(logits)
	}

	candidates := softmaxCandidates(logits, s.Config.Temperature)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})
	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)
	if len(candidates) == 0 {
		return argMax(logits)
	}
	return s.sampleFromCandidates(candidates)
}

func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int) {
	start := 0
	if len(history) > penaltyWindow {
		start = len(history) - penaltyWindow
	}

	seen := make(map[int]struct{})
	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if id < 0 || id >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= float32(s.Config.RepPenalty)
		} else {
			logits[id] *= float32(s.Config.RepPenalty)
		}
	}
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[0].id
}

type tokenProb struct {
	id   int
	prob float64
}

// softmaxCandidates keeps every token whose tempered probability is above 1e-10.
func softmaxCandidates(logits []float32, temperature float64) []tokenProb {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if s := float64(v) / temperature; s > maxVal {
			maxVal = s
		}
	}

	probs := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(float64(v)/temperature - maxVal)
		sum += probs[i]
	}

	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p /= sum; p > 1e-10 {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	return candidates
}

func finite(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// argMax returns the index of the largest finite logit, or 0 when no logit
// is finite.
func argMax(logits []float32) int {
	maxIdx := -1
	var maxVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			continue
		}
		if maxIdx < 0 || v > maxVal {
			maxIdx, maxVal = i, v
		}
	}
	if maxIdx < 0 {
		logger.Log.Warn("argMax found no finite logits, returning token 0", "count", len(logits))
		return 0
	}
	return maxIdx
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix whose mass reaches p and renormalises it.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			selected := candidates[:i+1]
			for j := range selected {
				selected[j].prob /= sum
			}
			return selected
		}
	}
	return candidates
}
