package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Eps != 1e-6 {
		t.Errorf("expected Eps 1e-6, got %v", cfg.Eps)
	}
	if cfg.RopeTheta != 10000.0 {
		t.Errorf("expected RopeTheta 10000.0, got %v", cfg.RopeTheta)
	}
	if cfg.QSize() != 2048 {
		t.Errorf("expected q size 2048, got %d", cfg.QSize())
	}
	if cfg.KVSize() != 1024 {
		t.Errorf("expected kv size 1024, got %d", cfg.KVSize())
	}
	if cfg.QueriesPerKV() != 2 {
		t.Errorf("expected 2 queries per kv head, got %d", cfg.QueriesPerKV())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid hidden size", func(c *Config) { c.HiddenSize = 0 }, true},
		{"invalid intermediate size", func(c *Config) { c.IntermediateSize = -1 }, true},
		{"invalid layers", func(c *Config) { c.Layers = 0 }, true},
		{"invalid heads", func(c *Config) { c.Heads = 0 }, true},
		{"kv heads above heads", func(c *Config) { c.KVHeads = 16 }, true},
		{"kv heads not a divisor", func(c *Config) { c.Heads = 6; c.KVHeads = 4 }, true},
		{"odd head dim", func(c *Config) { c.HeadDim = 255 }, true},
		{"invalid vocab size", func(c *Config) { c.VocabSize = 0 }, true},
		{"invalid query scalar", func(c *Config) { c.QueryPreAttnScalar = 0 }, true},
		{"invalid eps", func(c *Config) { c.Eps = 0 }, true},
		{"negative soft-cap", func(c *Config) { c.AttnLogitSoftCap = -1 }, true},
		{"eos outside vocab", func(c *Config) { c.EOSTokenID = 256000 }, true},
		{"soft-cap disabled", func(c *Config) { c.AttnLogitSoftCap = 0; c.FinalLogitSoftCap = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

const gemmaConfigJSON = `{
  "architectures": ["Gemma2ForCausalLM"],
  "attn_logit_softcapping": 50.0,
  "bos_token_id": 2,
  "eos_token_id": 1,
  "final_logit_softcapping": 30.0,
  "head_dim": 256,
  "hidden_size": 2304,
  "intermediate_size": 9216,
  "max_position_embeddings": 8192,
  "model_type": "gemma2",
  "num_attention_heads": 8,
  "num_hidden_layers": 26,
  "num_key_value_heads": 4,
  "pad_token_id": 0,
  "query_pre_attn_scalar": 256,
  "rms_norm_eps": 1e-06,
  "rope_theta": 10000.0,
  "vocab_size": 256000
}`

func TestParseHF(t *testing.T) {
	cfg, err := ParseHF([]byte(gemmaConfigJSON))
	if err != nil {
		t.Fatalf("ParseHF: %v", err)
	}
	if cfg != Default() {
		t.Errorf("gemma-2-2b config.json should match Default()\n got %+v\nwant %+v", cfg, Default())
	}
}

func TestParseHFPartial(t *testing.T) {
	cfg, err := ParseHF([]byte(`{
		"model_type": "tiny",
		"hidden_size": 16,
		"intermediate_size": 32,
		"num_hidden_layers": 2,
		"num_attention_heads": 4,
		"num_key_value_heads": 2,
		"vocab_size": 64,
		"attn_logit_softcapping": null
	}`))
	if err != nil {
		t.Fatalf("ParseHF: %v", err)
	}
	if cfg.HeadDim != 4 {
		t.Errorf("head_dim should be derived as 16/4, got %d", cfg.HeadDim)
	}
	if cfg.QueryPreAttnScalar != 4 {
		t.Errorf("query_pre_attn_scalar should default to head_dim, got %d", cfg.QueryPreAttnScalar)
	}
	if cfg.GetArchitecture() != "tiny" {
		t.Errorf("unexpected architecture %q", cfg.Architecture)
	}
}

func TestParseHFInvalid(t *testing.T) {
	if _, err := ParseHF([]byte(`{"hidden_size": "wide"}`)); err == nil {
		t.Error("expected parse error")
	}
	if _, err := ParseHF([]byte(`{"num_key_value_heads": 3}`)); err == nil {
		t.Error("expected validation error for kv heads 3 with 8 heads")
	}
}

func TestLoadHF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(gemmaConfigJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadHF(path)
	if err != nil {
		t.Fatalf("LoadHF: %v", err)
	}
	if cfg.Layers != 26 {
		t.Errorf("expected 26 layers, got %d", cfg.Layers)
	}

	if _, err := LoadHF(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
