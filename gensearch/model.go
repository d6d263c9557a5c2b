package gensearch

import "fmt"

// Model is the execution engine capability the search core consumes. A model
// reads the bound input slots, writes logits and per-layer present tensors
// into the bound output slots, and returns. It must not retain slot
// references across calls.
//
// Implementations can sit on anything that produces logits: ONNX Runtime
// sessions, native tensor code, or remote inference services.
type Model interface {
	Run(ctx *StepContext) error

	// LogitsDType reports the element type of the logits output. fp16 and
	// bf16 logits are widened to fp32 for scoring.
	LogitsDType() DType
	// KVDType reports the element type of the key/value cache tensors.
	KVDType() DType
}

// ScriptedModel replays a fixed per-step logits script. It stands in for a
// real execution engine in tests and offline demos: step i writes script row
// i into the last fed position of every batch row (or the whole window when
// the script covers it) and fills present tensors with position markers so
// cache rotation is observable.
type ScriptedModel struct {
	vocabSize int
	steps     [][]float32
	stepIndex int
	kvDType   DType
	failAt    int
}

// NewScriptedModel creates a scripted model over the given per-step logits.
func NewScriptedModel(vocabSize int, steps [][]float32) *ScriptedModel {
	return &ScriptedModel{
		vocabSize: vocabSize,
		steps:     steps,
		kvDType:   Float32,
		failAt:    -1,
	}
}

// FailAt makes step i return an opaque error, for failure-path tests.
func (m *ScriptedModel) FailAt(i int) *ScriptedModel {
	m.failAt = i
	return m
}

// LogitsDType implements Model.
func (m *ScriptedModel) LogitsDType() DType { return Float32 }

// KVDType implements Model.
func (m *ScriptedModel) KVDType() DType { return m.kvDType }

// Run implements Model.
func (m *ScriptedModel) Run(ctx *StepContext) error {
	if m.stepIndex == m.failAt {
		return fmt.Errorf("scripted failure at step %d", m.stepIndex)
	}
	if m.stepIndex >= len(m.steps) {
		return fmt.Errorf("scripted model exhausted after %d steps", len(m.steps))
	}
	script := m.steps[m.stepIndex]
	m.stepIndex++

	logits := ctx.Output(SlotLogits)
	if logits == nil {
		return fmt.Errorf("no logits slot bound")
	}
	dims := logits.Dims()
	rows, tokenCount := int(dims[0]), int(dims[1])
	out := logits.Float32s()

	switch len(script) {
	case rows * tokenCount * m.vocabSize:
		copy(out, script)
	case rows * m.vocabSize:
		for i := range out {
			out[i] = 0
		}
		for r := 0; r < rows; r++ {
			dst := out[(r*tokenCount+tokenCount-1)*m.vocabSize:]
			copy(dst[:m.vocabSize], script[r*m.vocabSize:(r+1)*m.vocabSize])
		}
	case m.vocabSize:
		// One row script broadcast to every batch row.
		for i := range out {
			out[i] = 0
		}
		for r := 0; r < rows; r++ {
			dst := out[(r*tokenCount+tokenCount-1)*m.vocabSize:]
			copy(dst[:m.vocabSize], script)
		}
	default:
		return fmt.Errorf("script row of %d scores for vocab %d", len(script), m.vocabSize)
	}

	m.fillPresent(ctx)
	return nil
}

// fillPresent copies the past prefix into each present tensor and marks the
// newly produced positions with lane*1000+position, mirroring how a real model
// extends its cache.
func (m *ScriptedModel) fillPresent(ctx *StepContext) {
	for layer := 0; ; layer++ {
		for _, kind := range []string{"key", "value"} {
			past := ctx.Input(fmt.Sprintf("past_key_values.%d.%s", layer, kind))
			present := ctx.Output(fmt.Sprintf("present.%d.%s", layer, kind))
			if past == nil || present == nil {
				return
			}
			if past == present {
				continue // shared buffer, nothing to rotate
			}
			pd, sd := present.Dims(), past.Dims()
			lanes := int(pd[0] * pd[1])
			headDim := int(pd[3])
			pastLen, presentLen := int(sd[2]), int(pd[2])
			for l := 0; l < lanes; l++ {
				dst := present.Float32s()[l*presentLen*headDim:]
				src := past.Float32s()[l*pastLen*headDim:]
				copy(dst[:pastLen*headDim], src[:pastLen*headDim])
				for pos := pastLen; pos < presentLen; pos++ {
					for d := 0; d < headDim; d++ {
						dst[pos*headDim+d] = float32(l*1000 + pos)
					}
				}
			}
		}
	}
}
