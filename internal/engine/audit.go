package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/quarrel-decode/internal/kvcache"
)

// LogitRangeAuditResult describes the distribution of one step's logits.
type LogitRangeAuditResult struct {
	Max     float32
	Min     float32
	Mean    float32
	RMS     float32
	NumNaNs int
	NumInfs int
	IsFlat  bool
}

func (a LogitRangeAuditResult) Healthy() bool {
	return a.NumNaNs == 0 && a.NumInfs == 0 && !a.IsFlat
}

// AuditLogitRange inspects raw logits for non-finite values or a flat
// distribution. Non-finite values are excluded from the statistics.
func AuditLogitRange(logits []float32) LogitRangeAuditResult {
	audit := LogitRangeAuditResult{}
	if len(logits) == 0 {
		return audit
	}

	var sum, sumSq float64
	minVal, maxVal := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	n := 0
	for _, v := range logits {
		switch {
		case math.IsNaN(float64(v)):
			audit.NumNaNs++
			continue
		case math.IsInf(float64(v), 0):
			audit.NumInfs++
			continue
		}
		minVal = float32(math.Min(float64(minVal), float64(v)))
		maxVal = float32(math.Max(float64(maxVal), float64(v)))
		sum += float64(v)
		sumSq += float64(v) * float64(v)
		n++
	}
	if n == 0 {
		return audit
	}

	audit.Max, audit.Min = maxVal, minVal
	audit.Mean = float32(sum / float64(n))
	audit.RMS = float32(math.Sqrt(sumSq / float64(n)))
	// a single distinct value gives the sampler nothing to choose from
	audit.IsFlat = n > 1 && maxVal == minVal
	return audit
}

// AuditSession checks that every layer cache of s holds the same number of
// positions. A mismatch means a step failed part way through the layer stack.
func AuditSession(s *kvcache.Session) error {
	want := -1
	for l := 0; l < s.Layers(); l++ {
		c, err := s.Layer(l)
		if err != nil {
			return err
		}
		if want < 0 {
			want = c.Len()
			continue
		}
		if c.Len() != want {
			return fmt.Errorf("session %s: layer %d holds %d positions, layer 0 holds %d", s.ID, l, c.Len(), want)
		}
	}
	return nil
}
