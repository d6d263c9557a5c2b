package gensearch

import "github.com/google/uuid"

// RequestStatus tracks a request through the engine's queues.
type RequestStatus int

const (
	RequestWaiting RequestStatus = iota
	RequestRunning
	RequestFinished
)

// Request is one engine-managed generation: a prompt, its parameters, and the
// generator driving it once scheduled. Engine requests are single-row
// (batch 1, no beams); the Generator API serves the batched and beam cases
// directly.
type Request struct {
	ID     string
	Status RequestStatus
	Params *GeneratorParams

	PromptTokens []int32
	generator    *Generator

	// Logical KV block accounting, maintained by the block manager.
	BlockTable      []int
	NumCachedTokens int

	blockSize int
}

// NewRequest creates a waiting request for the given prompt.
func NewRequest(promptTokens []int32, params *GeneratorParams, blockSize int) *Request {
	tokens := append([]int32(nil), promptTokens...)
	return &Request{
		ID:           uuid.NewString(),
		Status:       RequestWaiting,
		Params:       params,
		PromptTokens: tokens,
		blockSize:    blockSize,
	}
}

// TokenIDs returns the full token history: the prompt plus everything
// generated so far.
func (r *Request) TokenIDs() []int32 {
	if r.generator == nil {
		return r.PromptTokens
	}
	seq, err := r.generator.GetSequence(0, 0)
	if err != nil {
		return r.PromptTokens
	}
	return seq
}

// CompletionTokenIDs returns only the generated tokens.
func (r *Request) CompletionTokenIDs() []int32 {
	tokens := r.TokenIDs()
	if len(tokens) <= len(r.PromptTokens) {
		return nil
	}
	return tokens[len(r.PromptTokens):]
}

// Len returns the current token count.
func (r *Request) Len() int {
	return len(r.TokenIDs())
}

// IsFinished reports whether the request's generation has terminated.
func (r *Request) IsFinished() bool {
	return r.Status == RequestFinished
}

// NumBlocks returns how many cache blocks the current history needs.
func (r *Request) NumBlocks() int {
	return (r.Len() + r.blockSize - 1) / r.blockSize
}

// NumCachedBlocks returns how many leading blocks were prefix-cache hits.
func (r *Request) NumCachedBlocks() int {
	return r.NumCachedTokens / r.blockSize
}

// Block returns the tokens of the i-th cache block.
func (r *Request) Block(i int) []int32 {
	if i < 0 || i >= r.NumBlocks() {
		return nil
	}
	tokens := r.TokenIDs()
	start := i * r.blockSize
	end := min(start+r.blockSize, len(tokens))
	return tokens[start:end]
}
