package gensearch

import (
	"fmt"
	"math"
)

// Logits owns the model's score output: it binds the raw [rows, T, vocab]
// tensor, narrows multi-token windows to the last token, widens half-precision
// scores to fp32, and scrubs NaN rows.
type Logits struct {
	params *GeneratorParams
	dtype  DType

	raw        *Tensor
	scores     []float32
	tokenCount int
}

// NewLogits creates the logits stage for a model's scoring dtype.
func NewLogits(params *GeneratorParams, dtype DType) *Logits {
	return &Logits{
		params: params,
		dtype:  dtype,
		scores: make([]float32, params.BatchBeamSize()*params.VocabSize),
	}
}

// Bind allocates the raw output for a window of tokenCount tokens and attaches
// it to the step context.
func (l *Logits) Bind(ctx *StepContext, tokenCount int) {
	if l.raw == nil || l.tokenCount != tokenCount {
		l.raw = NewTensor(l.dtype,
			int64(l.params.BatchBeamSize()), int64(tokenCount), int64(l.params.VocabSize))
		l.tokenCount = tokenCount
	}
	ctx.BindOutput(SlotLogits, l.raw)
}

// Get returns the fp32 [rows, vocab] window for the last fed token of each
// row. Rows containing NaN are rewritten so every policy resolves them to the
// pad token.
func (l *Logits) Get() ([]float32, error) {
	rows := l.params.BatchBeamSize()
	vocab := l.params.VocabSize
	if err := l.checkShape(); err != nil {
		return nil, err
	}

	if l.tokenCount == 1 && l.dtype == Float32 {
		copy(l.scores, l.raw.Float32s())
	} else {
		// Narrow to the last token of each row, widening if needed.
		last := NewTensor(l.dtype, int64(rows), int64(vocab))
		switch l.dtype {
		case Float32:
			for r := 0; r < rows; r++ {
				src := l.raw.Float32s()[(r*l.tokenCount+l.tokenCount-1)*vocab:]
				copy(last.Float32s()[r*vocab:(r+1)*vocab], src[:vocab])
			}
		case Float16, BFloat16:
			for r := 0; r < rows; r++ {
				src := l.raw.Uint16s()[(r*l.tokenCount+l.tokenCount-1)*vocab:]
				copy(last.Uint16s()[r*vocab:(r+1)*vocab], src[:vocab])
			}
		default:
			return nil, fmt.Errorf("%w: cannot score %s logits", ErrShapeMismatch, l.dtype)
		}
		if err := ConvertToFloat32(l.scores, last); err != nil {
			return nil, err
		}
	}

	l.scrubNaN(l.scores, rows, vocab)
	return l.scores, nil
}

// GetWindow returns the whole fp32 [rows*T, vocab] window. Used during
// speculative verification, where every position is scored.
func (l *Logits) GetWindow() ([]float32, error) {
	if err := l.checkShape(); err != nil {
		return nil, err
	}
	rows := l.params.BatchBeamSize() * l.tokenCount
	vocab := l.params.VocabSize
	window := make([]float32, rows*vocab)
	if err := ConvertToFloat32(window, l.raw); err != nil {
		return nil, err
	}
	l.scrubNaN(window, rows, vocab)
	return window, nil
}

func (l *Logits) checkShape() error {
	dims := l.raw.Dims()
	if len(dims) != 3 ||
		dims[0] != int64(l.params.BatchBeamSize()) ||
		dims[1] != int64(l.tokenCount) ||
		dims[2] != int64(l.params.VocabSize) {
		return fmt.Errorf("%w: logits %v, want [%d %d %d]", ErrShapeMismatch,
			dims, l.params.BatchBeamSize(), l.tokenCount, l.params.VocabSize)
	}
	return nil
}

// scrubNaN rewrites rows with NaN scores so the pad token wins any selection.
func (l *Logits) scrubNaN(scores []float32, rows, vocab int) {
	for r := 0; r < rows; r++ {
		row := scores[r*vocab : (r+1)*vocab]
		bad := false
		for _, s := range row {
			if math.IsNaN(float64(s)) {
				bad = true
				break
			}
		}
		if !bad {
			continue
		}
		l.params.Log.Warn("nan logits, terminating row with pad", "row", r)
		for i := range row {
			row[i] = float32(math.Inf(-1))
		}
		pad := l.params.PadTokenID
		if pad >= 0 && int(pad) < vocab {
			row[pad] = 0
		} else {
			row[0] = 0
		}
	}
}
