package onnxmodel

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "generator_config.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoadConfig(t *testing.T) {
	dir := writeConfig(t, `{
		"model_file": "decoder.onnx",
		"vocab_size": 32000,
		"num_hidden_layers": 4,
		"num_key_value_heads": 8,
		"head_size": 64,
		"context_length": 2048,
		"eos_token_id": 2,
		"pad_token_id": 0
	}`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VocabSize != 32000 || cfg.NumLayers != 4 || cfg.HeadDim != 64 {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	if cfg.ModelPath() != filepath.Join(dir, "decoder.onnx") {
		t.Errorf("Unexpected model path %q", cfg.ModelPath())
	}
	if cfg.LogitsType != "float32" {
		t.Errorf("Expected float32 default logits dtype, got %q", cfg.LogitsType)
	}
}

func TestLoadConfigRejectsBadGeometry(t *testing.T) {
	dir := writeConfig(t, `{"vocab_size": 100, "num_hidden_layers": 0, "num_key_value_heads": 8, "head_size": 64}`)
	if _, err := LoadConfig(dir); err == nil {
		t.Errorf("Expected geometry validation error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Errorf("Expected error for missing config")
	}
}
