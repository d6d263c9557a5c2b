package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gensearch-go/gensearch"
)

// GenerationDefaults are CLI-level generation settings, optionally loaded
// from a YAML file and overridden by flags.
type GenerationDefaults struct {
	MaxLength         int     `yaml:"max_length"`
	MinLength         int     `yaml:"min_length"`
	Temperature       float32 `yaml:"temperature"`
	TopK              int     `yaml:"top_k"`
	TopP              float32 `yaml:"top_p"`
	RepetitionPenalty float32 `yaml:"repetition_penalty"`
	Seed              int64   `yaml:"seed"`
}

func defaultGeneration() GenerationDefaults {
	return GenerationDefaults{
		MaxLength:         128,
		Temperature:       1.0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
		Seed:              -1,
	}
}

// loadGenerationDefaults merges a YAML file over the built-in defaults.
func loadGenerationDefaults(path string) (GenerationDefaults, error) {
	cfg := defaultGeneration()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// options converts the defaults into generator parameter options.
func (d GenerationDefaults) options(eosID int32) []gensearch.GeneratorOption {
	opts := []gensearch.GeneratorOption{
		gensearch.WithMaxLength(d.MaxLength),
		gensearch.WithMinLength(d.MinLength),
		gensearch.WithTemperature(d.Temperature),
		gensearch.WithRepetitionPenalty(d.RepetitionPenalty),
		gensearch.WithRandomSeed(d.Seed),
		gensearch.WithEOSTokenID(eosID),
	}
	if d.TopK > 0 {
		opts = append(opts, gensearch.WithTopK(d.TopK))
	}
	if d.TopP > 0 && d.TopP < 1 {
		opts = append(opts, gensearch.WithTopP(d.TopP))
	}
	return opts
}
