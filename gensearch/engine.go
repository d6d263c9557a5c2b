package gensearch

import (
	"fmt"

	"github.com/schollz/progressbar/v3"

	"gensearch-go/logger"
	"gensearch-go/tokenize"
)

// Output is one finished generation.
type Output struct {
	ID       string
	Text     string
	TokenIDs []int32
}

// EngineConfig bounds the engine's admission and block budget.
type EngineConfig struct {
	MaxNumSeqs          int
	MaxNumBatchedTokens int
	NumCacheBlocks      int
	CacheBlockSize      int
	Log                 logger.Logger
}

// EngineOption is a functional option for EngineConfig.
type EngineOption func(*EngineConfig)

// WithMaxNumSeqs caps concurrently running requests.
func WithMaxNumSeqs(n int) EngineOption {
	return func(c *EngineConfig) { c.MaxNumSeqs = n }
}

// WithMaxNumBatchedTokens caps tokens admitted into one prefill step.
func WithMaxNumBatchedTokens(n int) EngineOption {
	return func(c *EngineConfig) { c.MaxNumBatchedTokens = n }
}

// WithNumCacheBlocks sets the logical KV block pool size.
func WithNumCacheBlocks(n int) EngineOption {
	return func(c *EngineConfig) { c.NumCacheBlocks = n }
}

// WithCacheBlockSize sets tokens per logical KV block.
func WithCacheBlockSize(n int) EngineOption {
	return func(c *EngineConfig) { c.CacheBlockSize = n }
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(l logger.Logger) EngineOption {
	return func(c *EngineConfig) { c.Log = l }
}

// Engine runs many single-row generations against one model, admitting them
// through the scheduler's block budget and stepping every running generator
// once per Step.
type Engine struct {
	config    EngineConfig
	model     Model
	tokenizer tokenize.Tokenizer
	scheduler *Scheduler
}

// NewEngine creates an engine over a model and tokenizer.
func NewEngine(model Model, tokenizer tokenize.Tokenizer, opts ...EngineOption) (*Engine, error) {
	cfg := EngineConfig{
		MaxNumSeqs:          64,
		MaxNumBatchedTokens: 4096,
		NumCacheBlocks:      1024,
		CacheBlockSize:      16,
		Log:                 logger.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CacheBlockSize <= 0 || cfg.NumCacheBlocks <= 0 {
		return nil, fmt.Errorf("%w: cache blocks must be positive", ErrConfigInvalid)
	}
	if cfg.MaxNumBatchedTokens < cfg.CacheBlockSize {
		return nil, fmt.Errorf("%w: max batched tokens below one cache block", ErrConfigInvalid)
	}
	return &Engine{
		config:    cfg,
		model:     model,
		tokenizer: tokenizer,
		scheduler: NewScheduler(cfg.MaxNumSeqs, cfg.MaxNumBatchedTokens, cfg.NumCacheBlocks, cfg.CacheBlockSize),
	}, nil
}

// Close releases the tokenizer.
func (e *Engine) Close() error {
	if e.tokenizer != nil {
		return e.tokenizer.Close()
	}
	return nil
}

// AddRequest enqueues a generation request. The prompt is a string (encoded
// with the engine's tokenizer) or a []int32 of token ids. Returns the request
// id.
func (e *Engine) AddRequest(prompt any, params *GeneratorParams) (string, error) {
	var tokenIDs []int32
	switch p := prompt.(type) {
	case string:
		ids, err := e.tokenizer.Encode(p)
		if err != nil {
			return "", fmt.Errorf("failed to encode prompt: %w", err)
		}
		tokenIDs = ids
	case []int32:
		tokenIDs = p
	default:
		return "", fmt.Errorf("%w: prompt must be string or []int32", ErrConfigInvalid)
	}
	if params.BatchSize != 1 || params.NumBeams != 1 {
		return "", fmt.Errorf("%w: engine requests are single-row; use Generator directly for batches and beams", ErrConfigInvalid)
	}

	req := NewRequest(tokenIDs, params, e.config.CacheBlockSize)
	e.scheduler.Add(req)
	e.config.Log.Debug("request queued", "id", req.ID, "prompt_tokens", len(tokenIDs))
	return req.ID, nil
}

// Step advances the engine by one scheduling round. It returns the outputs of
// requests that finished this round and the number of tokens processed
// (negative during decode rounds, following the prefill/decode throughput
// convention).
func (e *Engine) Step() ([]Output, int, error) {
	reqs, isPrefill := e.scheduler.Schedule()

	for _, req := range reqs {
		if err := e.stepRequest(req, isPrefill); err != nil {
			e.scheduler.Finish(req)
			return nil, 0, err
		}
	}

	var outputs []Output
	for _, req := range reqs {
		if req.generator == nil || !req.generator.IsDone() {
			continue
		}
		text, err := e.tokenizer.Decode(req.CompletionTokenIDs())
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode tokens: %w", err)
		}
		outputs = append(outputs, Output{
			ID:       req.ID,
			Text:     text,
			TokenIDs: append([]int32(nil), req.CompletionTokenIDs()...),
		})
		e.scheduler.Finish(req)
	}

	numTokens := 0
	if isPrefill {
		for _, req := range reqs {
			numTokens += req.Len()
		}
	} else {
		numTokens = -len(reqs)
	}
	return outputs, numTokens, nil
}

func (e *Engine) stepRequest(req *Request, isPrefill bool) error {
	if isPrefill || req.generator == nil {
		gen, err := NewGenerator(req.Params, e.model)
		if err != nil {
			return err
		}
		req.generator = gen
		if err := gen.FeedPrompt(req.PromptTokens); err != nil {
			return err
		}
	} else {
		if _, err := req.generator.Step(); err != nil {
			return err
		}
	}
	return nil
}

// IsFinished reports whether every queued request has drained.
func (e *Engine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate runs prompts to completion and returns their outputs in prompt
// order. With showProgress, a progress bar tracks completions.
func (e *Engine) Generate(prompts []string, params *GeneratorParams, showProgress bool) ([]Output, error) {
	ids := make([]string, len(prompts))
	for i, prompt := range prompts {
		id, err := e.AddRequest(prompt, params)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
	}

	byID := make(map[string]Output, len(prompts))
	for !e.IsFinished() {
		outputs, _, err := e.Step()
		if err != nil {
			return nil, err
		}
		for _, out := range outputs {
			byID[out.ID] = out
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	ordered := make([]Output, len(ids))
	for i, id := range ids {
		ordered[i] = byID[id]
	}
	return ordered, nil
}
