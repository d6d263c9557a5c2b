package gensearch

import "errors"

// Error kinds surfaced by the search core. Fatal errors abort the current
// generation and keep their kind through errors.Is.
var (
	// ErrConfigInvalid reports contradictory generator parameters.
	ErrConfigInvalid = errors.New("generator config invalid")

	// ErrShapeMismatch reports model tensors incompatible with the
	// declared signature. Fatal to the generation.
	ErrShapeMismatch = errors.New("tensor shape mismatch")

	// ErrOutOfSpace reports an append past the sequence capacity. The
	// generation loop treats it as normal termination.
	ErrOutOfSpace = errors.New("sequence buffer out of space")

	// ErrSpeculativeBatchSize reports speculative decoding invoked with a
	// batch size other than 1.
	ErrSpeculativeBatchSize = errors.New("speculative decoding requires batch size 1")

	// ErrModelFailure wraps an opaque error propagated from the model.
	ErrModelFailure = errors.New("model execution failed")
)
