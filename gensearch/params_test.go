package gensearch

import (
	"errors"
	"testing"
)

func TestParamsDefaults(t *testing.T) {
	p, err := NewGeneratorParams(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.BatchBeamSize() != 1 {
		t.Errorf("Expected batch-beam size 1, got %d", p.BatchBeamSize())
	}
	if p.Temperature != 1.0 || p.TopP != 1.0 {
		t.Errorf("Unexpected sampling defaults: temp=%g top_p=%g", p.Temperature, p.TopP)
	}
}

func TestParamsPadDefaultsToEOS(t *testing.T) {
	p, err := NewGeneratorParams(100, WithEOSTokenID(7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.PadTokenID != 7 {
		t.Errorf("Expected pad to default to eos 7, got %d", p.PadTokenID)
	}
}

func TestParamsValidation(t *testing.T) {
	tests := []struct {
		name string
		opts []GeneratorOption
		kind error
	}{
		{
			name: "zero temperature",
			opts: []GeneratorOption{WithTemperature(0)},
			kind: ErrConfigInvalid,
		},
		{
			name: "sampling with beams",
			opts: []GeneratorOption{WithNumBeams(4), WithTopK(10)},
			kind: ErrConfigInvalid,
		},
		{
			name: "too many return sequences",
			opts: []GeneratorOption{WithNumBeams(2), WithNumReturnSequences(3)},
			kind: ErrConfigInvalid,
		},
		{
			name: "min length above max",
			opts: []GeneratorOption{WithMaxLength(4), WithMinLength(5)},
			kind: ErrConfigInvalid,
		},
		{
			name: "speculative with batch",
			opts: []GeneratorOption{WithSpeculativeDecoding(true), WithBatchSize(2)},
			kind: ErrSpeculativeBatchSize,
		},
		{
			name: "shared buffer with beams",
			opts: []GeneratorOption{WithNumBeams(2), WithPastPresentShareBuffer(true)},
			kind: ErrConfigInvalid,
		},
		{
			name: "top-p out of range",
			opts: []GeneratorOption{WithTopP(1.5)},
			kind: ErrConfigInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGeneratorParams(100, tt.opts...)
			if err == nil {
				t.Fatalf("Expected error")
			}
			if !errors.Is(err, tt.kind) {
				t.Errorf("Expected %v kind, got %v", tt.kind, err)
			}
		})
	}
}
