package gensearch

import (
	"fmt"

	"gensearch-go/logger"
)

// GeneratorParams holds the immutable parameters of one generation. Create it
// with NewGeneratorParams; it is never mutated after construction.
type GeneratorParams struct {
	BatchSize  int
	NumBeams   int
	VocabSize  int
	MaxLength  int
	MinLength  int
	EOSTokenID int32
	PadTokenID int32

	RepetitionPenalty  float32
	Temperature        float32
	TopK               int
	TopP               float32
	DoSample           bool
	RandomSeed         int64
	LengthPenalty      float32
	NumReturnSequences int
	EarlyStopping      bool

	// KV geometry, matching the model's declared signature.
	NumLayers int
	NumHeads  int
	HeadDim   int

	// PastPresentShareBuffer makes past and present alias one allocation.
	// Only valid without beam search.
	PastPresentShareBuffer bool

	// SpeculativeDecoding enables draft-token verification via StepDraft.
	// Requires batch size 1.
	SpeculativeDecoding bool

	Log logger.Logger
}

// GeneratorOption is a functional option for GeneratorParams.
type GeneratorOption func(*GeneratorParams)

// NewGeneratorParams creates generation parameters with default values.
func NewGeneratorParams(vocabSize int, opts ...GeneratorOption) (*GeneratorParams, error) {
	p := &GeneratorParams{
		BatchSize:          1,
		NumBeams:           1,
		VocabSize:          vocabSize,
		MaxLength:          128,
		MinLength:          0,
		EOSTokenID:         -1,
		PadTokenID:         -1,
		RepetitionPenalty:  1.0,
		Temperature:        1.0,
		TopK:               0,
		TopP:               1.0,
		RandomSeed:         -1,
		LengthPenalty:      1.0,
		NumReturnSequences: 1,
		NumLayers:          1,
		NumHeads:           1,
		HeadDim:            1,
		Log:                logger.Discard(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.PadTokenID < 0 {
		p.PadTokenID = p.EOSTokenID
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// BatchBeamSize returns the number of rows tracked per step.
func (p *GeneratorParams) BatchBeamSize() int {
	return p.BatchSize * p.NumBeams
}

func (p *GeneratorParams) validate() error {
	if p.VocabSize <= 0 {
		return fmt.Errorf("%w: vocab size must be positive, got %d", ErrConfigInvalid, p.VocabSize)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfigInvalid, p.BatchSize)
	}
	if p.NumBeams < 1 {
		return fmt.Errorf("%w: num beams must be >= 1, got %d", ErrConfigInvalid, p.NumBeams)
	}
	if p.MaxLength <= 0 {
		return fmt.Errorf("%w: max length must be positive, got %d", ErrConfigInvalid, p.MaxLength)
	}
	if p.MinLength > p.MaxLength {
		return fmt.Errorf("%w: min length %d exceeds max length %d", ErrConfigInvalid, p.MinLength, p.MaxLength)
	}
	if p.Temperature <= 0 {
		return fmt.Errorf("%w: temperature must be > 0, got %g", ErrConfigInvalid, p.Temperature)
	}
	if p.TopK < 0 {
		return fmt.Errorf("%w: top-k must be >= 0, got %d", ErrConfigInvalid, p.TopK)
	}
	if p.TopP <= 0 || p.TopP > 1 {
		return fmt.Errorf("%w: top-p must be in (0, 1], got %g", ErrConfigInvalid, p.TopP)
	}
	if p.DoSample && p.NumBeams > 1 {
		return fmt.Errorf("%w: sampling cannot be combined with beam search", ErrConfigInvalid)
	}
	if p.NumReturnSequences > p.NumBeams {
		return fmt.Errorf("%w: num return sequences %d exceeds num beams %d", ErrConfigInvalid, p.NumReturnSequences, p.NumBeams)
	}
	if p.PastPresentShareBuffer && p.NumBeams > 1 {
		return fmt.Errorf("%w: shared past/present buffers cannot be combined with beam search", ErrConfigInvalid)
	}
	if p.SpeculativeDecoding && p.BatchSize != 1 {
		return fmt.Errorf("%w: got batch size %d", ErrSpeculativeBatchSize, p.BatchSize)
	}
	if p.SpeculativeDecoding && p.NumBeams > 1 {
		return fmt.Errorf("%w: speculative decoding cannot be combined with beam search", ErrConfigInvalid)
	}
	if p.NumLayers <= 0 || p.NumHeads <= 0 || p.HeadDim <= 0 {
		return fmt.Errorf("%w: kv geometry must be positive (layers=%d heads=%d head_dim=%d)",
			ErrConfigInvalid, p.NumLayers, p.NumHeads, p.HeadDim)
	}
	return nil
}

// WithBatchSize sets the batch size.
func WithBatchSize(n int) GeneratorOption {
	return func(p *GeneratorParams) { p.BatchSize = n }
}

// WithNumBeams sets the number of beams per batch entry.
func WithNumBeams(n int) GeneratorOption {
	return func(p *GeneratorParams) { p.NumBeams = n }
}

// WithMaxLength sets the maximum sequence length.
func WithMaxLength(n int) GeneratorOption {
	return func(p *GeneratorParams) { p.MaxLength = n }
}

// WithMinLength sets the minimum length before EOS is allowed.
func WithMinLength(n int) GeneratorOption {
	return func(p *GeneratorParams) { p.MinLength = n }
}

// WithEOSTokenID sets the end-of-sequence token id.
func WithEOSTokenID(id int32) GeneratorOption {
	return func(p *GeneratorParams) { p.EOSTokenID = id }
}

// WithPadTokenID sets the padding token id. Defaults to the EOS token id.
func WithPadTokenID(id int32) GeneratorOption {
	return func(p *GeneratorParams) { p.PadTokenID = id }
}

// WithRepetitionPenalty sets the repetition penalty. 1.0 disables it.
func WithRepetitionPenalty(f float32) GeneratorOption {
	return func(p *GeneratorParams) { p.RepetitionPenalty = f }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(f float32) GeneratorOption {
	return func(p *GeneratorParams) { p.Temperature = f }
}

// WithTopK enables top-k sampling.
func WithTopK(k int) GeneratorOption {
	return func(p *GeneratorParams) {
		p.TopK = k
		p.DoSample = true
	}
}

// WithTopP enables nucleus sampling.
func WithTopP(f float32) GeneratorOption {
	return func(p *GeneratorParams) {
		p.TopP = f
		p.DoSample = true
	}
}

// WithRandomSeed sets the sampler seed. Negative seeds draw from the OS
// entropy source.
func WithRandomSeed(seed int64) GeneratorOption {
	return func(p *GeneratorParams) { p.RandomSeed = seed }
}

// WithLengthPenalty sets the beam length-normalization exponent.
func WithLengthPenalty(f float32) GeneratorOption {
	return func(p *GeneratorParams) { p.LengthPenalty = f }
}

// WithNumReturnSequences sets how many sequences Finalize emits per batch.
func WithNumReturnSequences(n int) GeneratorOption {
	return func(p *GeneratorParams) { p.NumReturnSequences = n }
}

// WithEarlyStopping stops beam search as soon as NumBeams hypotheses finish.
func WithEarlyStopping(b bool) GeneratorOption {
	return func(p *GeneratorParams) { p.EarlyStopping = b }
}

// WithKVGeometry sets the per-layer cache shape.
func WithKVGeometry(numLayers, numHeads, headDim int) GeneratorOption {
	return func(p *GeneratorParams) {
		p.NumLayers = numLayers
		p.NumHeads = numHeads
		p.HeadDim = headDim
	}
}

// WithPastPresentShareBuffer makes past and present share one allocation.
func WithPastPresentShareBuffer(b bool) GeneratorOption {
	return func(p *GeneratorParams) { p.PastPresentShareBuffer = b }
}

// WithSpeculativeDecoding enables draft verification through StepDraft.
func WithSpeculativeDecoding(b bool) GeneratorOption {
	return func(p *GeneratorParams) { p.SpeculativeDecoding = b }
}

// WithLogger sets the logger used by the generation loop.
func WithLogger(l logger.Logger) GeneratorOption {
	return func(p *GeneratorParams) { p.Log = l }
}
