// Package onnxmodel implements the gensearch Model capability on top of ONNX
// Runtime sessions.
package onnxmodel

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Config describes a decoder model directory: the session file, the KV
// geometry the runtime must mirror, and the scoring dtypes.
type Config struct {
	ModelFile     string `json:"model_file"`
	VocabSize     int    `json:"vocab_size"`
	NumLayers     int    `json:"num_hidden_layers"`
	NumHeads      int    `json:"num_key_value_heads"`
	HeadDim       int    `json:"head_size"`
	ContextLength int    `json:"context_length"`
	EOSTokenID    int32  `json:"eos_token_id"`
	PadTokenID    int32  `json:"pad_token_id"`
	LogitsType    string `json:"logits_dtype"`
	KVType        string `json:"kv_dtype"`

	dir string
}

// LoadConfig reads generator_config.json from a model directory.
func LoadConfig(dir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, "generator_config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	cfg := &Config{
		ModelFile:  "model.onnx",
		LogitsType: "float32",
		KVType:     "float32",
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	cfg.dir = dir
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("model config: vocab_size must be positive, got %d", c.VocabSize)
	}
	if c.NumLayers <= 0 || c.NumHeads <= 0 || c.HeadDim <= 0 {
		return fmt.Errorf("model config: kv geometry must be positive (layers=%d heads=%d head_size=%d)",
			c.NumLayers, c.NumHeads, c.HeadDim)
	}
	return nil
}

// ModelPath returns the absolute session file path.
func (c *Config) ModelPath() string {
	return filepath.Join(c.dir, c.ModelFile)
}

// TokenizerPath returns the expected tokenizer.json location.
func (c *Config) TokenizerPath() string {
	return filepath.Join(c.dir, "tokenizer.json")
}
