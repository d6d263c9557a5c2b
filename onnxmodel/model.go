package onnxmodel

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"gensearch-go/gensearch"
)

// Model runs a decoder-only ONNX session as the gensearch Model capability.
// Each call maps the step context's binding slots onto ONNX Runtime tensors,
// runs the session, and copies the outputs back.
type Model struct {
	cfg     *Config
	session *ort.DynamicAdvancedSession

	inputNames  []string
	outputNames []string
}

// New loads the session described by a model directory's config.
func New(dir string) (*Model, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig loads the session for an already-parsed config.
func NewWithConfig(cfg *Config) (*Model, error) {
	if cfg.LogitsType != "float32" || cfg.KVType != "float32" {
		return nil, fmt.Errorf("onnx session supports float32 io, config declares logits=%s kv=%s",
			cfg.LogitsType, cfg.KVType)
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize onnx runtime: %w", err)
		}
	}

	inputNames := []string{gensearch.SlotInputIDs, gensearch.SlotAttentionMask, gensearch.SlotPositionIDs}
	outputNames := []string{gensearch.SlotLogits}
	for i := 0; i < cfg.NumLayers; i++ {
		inputNames = append(inputNames,
			fmt.Sprintf("past_key_values.%d.key", i),
			fmt.Sprintf("past_key_values.%d.value", i))
		outputNames = append(outputNames,
			fmt.Sprintf("present.%d.key", i),
			fmt.Sprintf("present.%d.value", i))
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(4); err != nil {
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath(), inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &Model{
		cfg:         cfg,
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// Config returns the loaded model configuration.
func (m *Model) Config() *Config { return m.cfg }

// LogitsDType implements gensearch.Model.
func (m *Model) LogitsDType() gensearch.DType { return gensearch.Float32 }

// KVDType implements gensearch.Model.
func (m *Model) KVDType() gensearch.DType { return gensearch.Float32 }

// Run implements gensearch.Model.
func (m *Model) Run(ctx *gensearch.StepContext) error {
	inputs := make([]ort.Value, 0, len(m.inputNames))
	outputs := make([]ort.Value, 0, len(m.outputNames))
	defer func() {
		for _, v := range inputs {
			if v != nil {
				v.Destroy()
			}
		}
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	for _, name := range m.inputNames {
		bound := ctx.Input(name)
		if bound == nil {
			return fmt.Errorf("%w: model input %q not bound", gensearch.ErrShapeMismatch, name)
		}
		value, err := toOrtValue(bound)
		if err != nil {
			return fmt.Errorf("input %q: %w", name, err)
		}
		inputs = append(inputs, value)
	}

	boundOutputs := make([]*gensearch.Tensor, 0, len(m.outputNames))
	for _, name := range m.outputNames {
		bound := ctx.Output(name)
		if bound == nil {
			return fmt.Errorf("%w: model output %q not bound", gensearch.ErrShapeMismatch, name)
		}
		value, err := toOrtValue(bound)
		if err != nil {
			return fmt.Errorf("output %q: %w", name, err)
		}
		outputs = append(outputs, value)
		boundOutputs = append(boundOutputs, bound)
	}

	if err := m.session.Run(inputs, outputs); err != nil {
		return fmt.Errorf("session run failed: %w", err)
	}

	for i, bound := range boundOutputs {
		if err := copyFromOrtValue(bound, outputs[i]); err != nil {
			return fmt.Errorf("output %q: %w", m.outputNames[i], err)
		}
	}
	return nil
}

// Close destroys the session.
func (m *Model) Close() error {
	if m.session != nil {
		if err := m.session.Destroy(); err != nil {
			return err
		}
		m.session = nil
	}
	return nil
}

func toOrtValue(t *gensearch.Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Dims()...)
	switch t.DType() {
	case gensearch.Float32:
		return ort.NewTensor(shape, t.Float32s())
	case gensearch.Int64:
		return ort.NewTensor(shape, t.Int64s())
	case gensearch.Int32:
		return ort.NewTensor(shape, t.Int32s())
	default:
		return nil, fmt.Errorf("%w: unsupported session dtype %s", gensearch.ErrShapeMismatch, t.DType())
	}
}

func copyFromOrtValue(dst *gensearch.Tensor, v ort.Value) error {
	switch dst.DType() {
	case gensearch.Float32:
		tensor, ok := v.(*ort.Tensor[float32])
		if !ok {
			return fmt.Errorf("%w: session returned non-float32 output", gensearch.ErrShapeMismatch)
		}
		data := tensor.GetData()
		if len(data) != dst.NumElements() {
			return fmt.Errorf("%w: session output of %d elements, expected %d",
				gensearch.ErrShapeMismatch, len(data), dst.NumElements())
		}
		copy(dst.Float32s(), data)
		return nil
	default:
		return fmt.Errorf("%w: unsupported output dtype %s", gensearch.ErrShapeMismatch, dst.DType())
	}
}
