package main

import (
	"fmt"

	"gensearch-go/gensearch"
)

// demoModel is a self-contained stand-in for a real execution engine: it
// favors the token after the last fed one, wrapping around the vocabulary,
// and emits EOS after a short run. It lets the CLI and server be exercised
// without model weights.
type demoModel struct {
	vocabSize int
}

func newDemoModel(vocabSize int) *demoModel {
	return &demoModel{vocabSize: vocabSize}
}

func (m *demoModel) LogitsDType() gensearch.DType { return gensearch.Float32 }
func (m *demoModel) KVDType() gensearch.DType     { return gensearch.Float32 }

func (m *demoModel) Run(ctx *gensearch.StepContext) error {
	in := ctx.Input(gensearch.SlotInputIDs)
	logits := ctx.Output(gensearch.SlotLogits)
	if in == nil || logits == nil {
		return fmt.Errorf("demo model: slots not bound")
	}

	dims := logits.Dims()
	rows, tokenCount, vocab := int(dims[0]), int(dims[1]), int(dims[2])
	ids := in.Int64s()
	out := logits.Float32s()
	for i := range out {
		out[i] = 0
	}

	for r := 0; r < rows; r++ {
		last := ids[r*tokenCount+tokenCount-1]
		next := (last + 1) % int64(vocab)
		if ctx.CurrentLength > 24 {
			next = 0 // drift to the demo tokenizer's EOS
		}
		out[(r*tokenCount+tokenCount-1)*vocab+int(next)] = 1
	}
	return nil
}
