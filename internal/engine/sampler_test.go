package engine

import (
	"math"
	"testing"

	"github.com/23skdu/quarrel-decode/internal/kvcache"
	"github.com/23skdu/quarrel-decode/internal/tensor"
)

func TestSampler_Greedy(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0})

	logits := []float32{1.0, 5.0, 2.0, 0.5}
	if val := s.Sample(logits, nil); val != 1 {
		t.Errorf("Greedy failed. Expected 1 (logit 5.0), got %d", val)
	}
}

func TestSampler_TopK(t *testing.T) {
	// K=1 is greedy even with temperature
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 1, Seed: 1})

	logits := []float32{2.0, 10.0, 5.0, 1.0}
	for i := 0; i < 20; i++ {
		if val := s.Sample(logits, nil); val != 1 {
			t.Fatalf("TopK=1 failed. Expected 1, got %d", val)
		}
	}
}

func TestSampler_TopK_Filtering(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 2, Seed: 2})

	logits := []float32{2.0, 10.0, 9.0, 1.0}
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		val := s.Sample(append([]float32(nil), logits...), nil)
		if val == 0 || val == 3 {
			t.Fatalf("TopK=2 failed. Got excluded token %d", val)
		}
		seen[val] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("expected both top tokens to be drawn, saw %v", seen)
	}
}

func TestSampler_TopP(t *testing.T) {
	// probabilities ~0.4, 0.3, 0.2, 0.1; p=0.5 keeps the first two
	logits := []float32{-0.91, -1.20, -1.61, -2.30}

	s := NewSampler(SamplerConfig{Temperature: 1.0, TopP: 0.5, Seed: 3})
	for i := 0; i < 100; i++ {
		if val := s.Sample(append([]float32(nil), logits...), nil); val == 2 || val == 3 {
			t.Fatalf("TopP=0.5 failed. Got excluded token %d", val)
		}
	}
}

func TestSampler_RepetitionPenalty(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0, RepPenalty: 2.0})

	tests := []struct {
		name    string
		logits  []float32
		history []int
		want    int
	}{
		{"positive logit divided", []float32{3.0, 2.0}, []int{0}, 1},
		{"negative logit multiplied", []float32{-1.0, -1.5}, []int{0}, 1},
		{"repeat counted once", []float32{3.0, 1.4}, []int{0, 0, 0}, 0},
		{"out of range history ignored", []float32{1.0, 0.5}, []int{7, -1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sample(tt.logits, tt.history); got != tt.want {
				t.Errorf("got %d, want %d (logits after penalty %v)", got, tt.want, tt.logits)
			}
		})
	}
}

func TestSampler_NonFinite(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1.0, Seed: 4})
	nan := float32(math.NaN())

	if got := s.Sample([]float32{nan, 0.5, nan, 2.0}, nil); got != 3 {
		t.Errorf("expected argmax of finite logits (3), got %d", got)
	}
	if got := s.Sample([]float32{nan, nan}, nil); got != 0 {
		t.Errorf("all-NaN logits should fall back to 0, got %d", got)
	}

	inf := float32(math.Inf(1))
	tests := []struct {
		name   string
		logits []float32
		want   int
	}{
		{"positive infinity loses", []float32{0.5, inf, 2.0, -1}, 2},
		{"negative infinity ignored", []float32{float32(math.Inf(-1)), -3, -2}, 2},
		{"mixed non-finite", []float32{nan, inf, -inf, 7, nan}, 3},
		{"no finite logits", []float32{inf, nan, -inf}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, temp := range []float64{0, 1} {
				s := NewSampler(SamplerConfig{Temperature: temp, Seed: 4})
				if got := s.Sample(append([]float32(nil), tt.logits...), nil); got != tt.want {
					t.Errorf("temperature %v: got %d, want %d", temp, got, tt.want)
				}
			}
		})
	}
}

func TestSampler_SeedReproducible(t *testing.T) {
	logits := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	a := NewSampler(SamplerConfig{Temperature: 1.0, Seed: 42})
	b := NewSampler(SamplerConfig{Temperature: 1.0, Seed: 42})
	for i := 0; i < 50; i++ {
		if x, y := a.Sample(logits, nil), b.Sample(logits, nil); x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
	}
}

func TestAuditLogitRange(t *testing.T) {
	tests := []struct {
		name    string
		logits  []float32
		healthy bool
		nans    int
		infs    int
		max     float32
	}{
		{"normal", []float32{-1, 0, 2.5}, true, 0, 0, 2.5},
		{"nan", []float32{1, float32(math.NaN()), 3}, false, 1, 0, 3},
		{"inf", []float32{1, float32(math.Inf(1))}, false, 0, 1, 1},
		{"flat", []float32{0.7, 0.7, 0.7}, false, 0, 0, 0.7},
		{"empty", nil, true, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AuditLogitRange(tt.logits)
			if a.Healthy() != tt.healthy || a.NumNaNs != tt.nans || a.NumInfs != tt.infs || a.Max != tt.max {
				t.Errorf("audit %+v", a)
			}
		})
	}
}

func TestAuditSession(t *testing.T) {
	s := kvcache.NewSession("audit", 2, 1, 2)
	if err := AuditSession(s); err != nil {
		t.Fatalf("empty session: %v", err)
	}

	c, _ := s.Layer(0)
	if err := c.Append(tensor.FromRow([]float32{1, 2}), tensor.FromRow([]float32{3, 4})); err != nil {
		t.Fatal(err)
	}
	if err := AuditSession(s); err == nil {
		t.Error("expected mismatch after appending to layer 0 only")
	}
}
