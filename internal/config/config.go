package config

import (
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

type Config struct {
	Architecture       string
	HiddenSize         int
	IntermediateSize   int
	Layers             int
	Heads              int
	KVHeads            int
	HeadDim            int
	VocabSize          int
	SeqLen             int
	QueryPreAttnScalar int
	Eps                float32
	RopeTheta          float32

	// Gemma-2 soft-capping; zero disables.
	AttnLogitSoftCap  float32
	FinalLogitSoftCap float32

	BOSTokenID int
	EOSTokenID int
	PadTokenID int

	DebugAttention   bool
	DebugActivations bool
}

func (c *Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.IntermediateSize <= 0 {
		return fmt.Errorf("invalid intermediate_size: %d (must be positive)", c.IntermediateSize)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads (%d) must be a multiple of kv_heads (%d)", c.Heads, c.KVHeads)
	}
	if c.HeadDim <= 0 || c.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive and even)", c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.QueryPreAttnScalar <= 0 {
		return fmt.Errorf("invalid query_pre_attn_scalar: %d (must be positive)", c.QueryPreAttnScalar)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.AttnLogitSoftCap < 0 || c.FinalLogitSoftCap < 0 {
		return fmt.Errorf("invalid soft-cap: attn=%f final=%f (must be non-negative)", c.AttnLogitSoftCap, c.FinalLogitSoftCap)
	}
	for name, id := range map[string]int{"bos": c.BOSTokenID, "eos": c.EOSTokenID, "pad": c.PadTokenID} {
		if id < 0 || id >= c.VocabSize {
			return fmt.Errorf("invalid %s_token_id: %d (vocab_size %d)", name, id, c.VocabSize)
		}
	}
	return nil
}

func (c *Config) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

func (c *Config) QSize() int {
	return c.Heads * c.HeadDim
}

func (c *Config) KVSize() int {
	return c.KVHeads * c.HeadDim
}

func (c *Config) QueriesPerKV() int {
	return c.Heads / c.KVHeads
}

// Default returns the gemma-2-2b hyperparameters.
func Default() Config {
	return Config{
		Architecture:       "gemma2",
		HiddenSize:         2304,
		IntermediateSize:   9216,
		Layers:             26,
		Heads:              8,
		KVHeads:            4,
		HeadDim:            256,
		VocabSize:          256000,
		SeqLen:             8192,
		QueryPreAttnScalar: 256,
		Eps:                1e-6,
		RopeTheta:          10000.0,
		AttnLogitSoftCap:   50.0,
		FinalLogitSoftCap:  30.0,
		BOSTokenID:         2,
		EOSTokenID:         1,
		PadTokenID:         0,
	}
}

// hfConfig mirrors the fields of a Hugging Face config.json that we consume.
type hfConfig struct {
	ModelType             string   `json:"model_type"`
	Architectures         []string `json:"architectures"`
	HiddenSize            *int     `json:"hidden_size"`
	IntermediateSize      *int     `json:"intermediate_size"`
	NumHiddenLayers       *int     `json:"num_hidden_layers"`
	NumAttentionHeads     *int     `json:"num_attention_heads"`
	NumKeyValueHeads      *int     `json:"num_key_value_heads"`
	HeadDim               *int     `json:"head_dim"`
	VocabSize             *int     `json:"vocab_size"`
	MaxPositionEmbeddings *int     `json:"max_position_embeddings"`
	QueryPreAttnScalar    *int     `json:"query_pre_attn_scalar"`
	RMSNormEps            *float32 `json:"rms_norm_eps"`
	RopeTheta             *float32 `json:"rope_theta"`
	AttnLogitSoftcapping  *float32 `json:"attn_logit_softcapping"`
	FinalLogitSoftcapping *float32 `json:"final_logit_softcapping"`
	BOSTokenID            *int     `json:"bos_token_id"`
	EOSTokenID            *int     `json:"eos_token_id"`
	PadTokenID            *int     `json:"pad_token_id"`
}

// LoadHF reads a Hugging Face config.json. Fields missing from the file keep
// their Default() value.
func LoadHF(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseHF(data)
}

func ParseHF(data []byte) (Config, error) {
	var hf hfConfig
	if err := json.Unmarshal(data, &hf); err != nil {
		return Config{}, fmt.Errorf("failed to parse config.json: %w", err)
	}

	cfg := Default()
	if hf.ModelType != "" {
		cfg.Architecture = hf.ModelType
	} else if len(hf.Architectures) > 0 {
		cfg.Architecture = hf.Architectures[0]
	}
	setInt(&cfg.HiddenSize, hf.HiddenSize)
	setInt(&cfg.IntermediateSize, hf.IntermediateSize)
	setInt(&cfg.Layers, hf.NumHiddenLayers)
	setInt(&cfg.Heads, hf.NumAttentionHeads)
	setInt(&cfg.KVHeads, hf.NumKeyValueHeads)
	setInt(&cfg.HeadDim, hf.HeadDim)
	setInt(&cfg.VocabSize, hf.VocabSize)
	setInt(&cfg.SeqLen, hf.MaxPositionEmbeddings)
	setInt(&cfg.QueryPreAttnScalar, hf.QueryPreAttnScalar)
	setInt(&cfg.BOSTokenID, hf.BOSTokenID)
	setInt(&cfg.EOSTokenID, hf.EOSTokenID)
	setInt(&cfg.PadTokenID, hf.PadTokenID)
	setFloat(&cfg.Eps, hf.RMSNormEps)
	setFloat(&cfg.RopeTheta, hf.RopeTheta)
	setFloat(&cfg.AttnLogitSoftCap, hf.AttnLogitSoftcapping)
	setFloat(&cfg.FinalLogitSoftCap, hf.FinalLogitSoftcapping)

	if hf.HeadDim == nil && hf.HiddenSize != nil && hf.NumAttentionHeads != nil && *hf.NumAttentionHeads > 0 {
		cfg.HeadDim = *hf.HiddenSize / *hf.NumAttentionHeads
	}
	if hf.QueryPreAttnScalar == nil {
		cfg.QueryPreAttnScalar = cfg.HeadDim
	}

	return cfg, cfg.Validate()
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float32, src *float32) {
	if src != nil {
		*dst = *src
	}
}
