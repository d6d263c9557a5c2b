package gensearch

import "fmt"

// KVCache manages the per-layer past/present key-value tensors across steps.
// Each layer contributes a key and a value entry, shaped
// [batch*beams, heads, seqLen, headDim].
//
// Three modes:
//   - standard: distinct past/present allocations rotated on Update, with a
//     batch-beam gather when beam indices reorder histories
//   - shared buffer: past aliases present at full capacity, Update only
//     advances the logical length (no beam search)
//   - speculative: present grows per draft window, UpdateAndResize shrinks
//     past when candidates are rejected
type KVCache struct {
	params *GeneratorParams
	dtype  DType

	pasts       []*Tensor
	presents    []*Tensor
	inputNames  []string
	outputNames []string

	pastLength  int
	shareBuffer bool
}

// NewKVCache creates the cache for a model's kv dtype.
func NewKVCache(params *GeneratorParams, dtype DType) *KVCache {
	entries := params.NumLayers * 2
	kv := &KVCache{
		params:      params,
		dtype:       dtype,
		pasts:       make([]*Tensor, entries),
		presents:    make([]*Tensor, entries),
		inputNames:  make([]string, entries),
		outputNames: make([]string, entries),
		shareBuffer: params.PastPresentShareBuffer,
	}
	for i := 0; i < params.NumLayers; i++ {
		kv.inputNames[2*i] = fmt.Sprintf("past_key_values.%d.key", i)
		kv.inputNames[2*i+1] = fmt.Sprintf("past_key_values.%d.value", i)
		kv.outputNames[2*i] = fmt.Sprintf("present.%d.key", i)
		kv.outputNames[2*i+1] = fmt.Sprintf("present.%d.value", i)
	}
	return kv
}

// PastLength returns the sequence length the past currently covers.
func (kv *KVCache) PastLength() int {
	return kv.pastLength
}

func (kv *KVCache) entryShape(seqLen int) []int64 {
	return []int64{
		int64(kv.params.BatchBeamSize()),
		int64(kv.params.NumHeads),
		int64(seqLen),
		int64(kv.params.HeadDim),
	}
}

// Bind attaches pasts as model inputs and presents as outputs for a step that
// feeds tokenCount tokens. On the first step the past is empty (seqLen 0).
func (kv *KVCache) Bind(ctx *StepContext, tokenCount int) {
	if kv.shareBuffer {
		if kv.presents[0] == nil {
			shape := kv.entryShape(kv.params.MaxLength)
			for i := range kv.presents {
				kv.presents[i] = NewTensor(kv.dtype, shape...)
				kv.pasts[i] = kv.presents[i]
			}
		}
	} else {
		if kv.pasts[0] == nil {
			empty := kv.entryShape(0)
			for i := range kv.pasts {
				kv.pasts[i] = NewTensor(kv.dtype, empty...)
			}
		}
		shape := kv.entryShape(kv.pastLength + tokenCount)
		for i := range kv.presents {
			kv.presents[i] = NewTensor(kv.dtype, shape...)
		}
	}

	for i := range kv.pasts {
		ctx.BindInput(kv.inputNames[i], kv.pasts[i])
		ctx.BindOutput(kv.outputNames[i], kv.presents[i])
	}
	ctx.PastLength = kv.pastLength
	ctx.TokenCount = tokenCount
	ctx.CurrentLength = kv.pastLength + tokenCount
}

// Update moves present into past for the next step. Identity (nil) beam
// indices reduce to a buffer swap; otherwise the present is gathered along the
// batch-beam axis. currentLength is the sequence length the past must cover
// afterwards.
func (kv *KVCache) Update(beamIndices []int32, currentLength int) error {
	if kv.shareBuffer {
		kv.pastLength = currentLength
		return nil
	}

	presentLen := int(kv.presents[0].Dims()[2])
	if presentLen != currentLength {
		return fmt.Errorf("%w: present covers %d tokens, update expects %d",
			ErrShapeMismatch, presentLen, currentLength)
	}

	if beamIndices == nil {
		kv.pasts, kv.presents = kv.presents, kv.pasts
	} else {
		for i := range kv.presents {
			if err := kv.PickPastState(beamIndices, i); err != nil {
				return err
			}
		}
	}
	kv.pastLength = currentLength
	return nil
}

// PickPastState gathers one cache entry's present rows by beam index into a
// fresh past tensor. Dispatch over the element type happens in the gather
// kernel table.
func (kv *KVCache) PickPastState(beamIndices []int32, index int) error {
	present := kv.presents[index]
	past := NewTensor(kv.dtype, present.Dims()...)
	if err := GatherLeadingRows(past, present, beamIndices); err != nil {
		return err
	}
	kv.pasts[index] = past
	return nil
}

// UpdatePresent grows the present tensors to cover newLength tokens,
// preserving existing data. Grow only.
func (kv *KVCache) UpdatePresent(newLength int) error {
	if kv.shareBuffer {
		return nil
	}
	oldLen := int(kv.presents[0].Dims()[2])
	if newLength < oldLen {
		return fmt.Errorf("%w: present resize from %d to %d would drop tokens",
			ErrShapeMismatch, oldLen, newLength)
	}
	if newLength == oldLen {
		return nil
	}
	for i, present := range kv.presents {
		grown := NewTensor(kv.dtype, kv.entryShape(newLength)...)
		if err := copySeqPrefix(grown, present, oldLen); err != nil {
			return err
		}
		kv.presents[i] = grown
	}
	return nil
}

// UpdateAndResize moves present into past truncated to pastLength tokens,
// discarding the tail. Used when speculative verification accepts fewer than
// the drafted tokens. currentLength is the sequence length including the
// accepted tokens.
func (kv *KVCache) UpdateAndResize(currentLength, pastLength int) error {
	if kv.shareBuffer {
		kv.pastLength = pastLength
		return nil
	}
	presentLen := int(kv.presents[0].Dims()[2])
	if pastLength > presentLen {
		return fmt.Errorf("%w: cannot keep %d past tokens from a present of %d",
			ErrShapeMismatch, pastLength, presentLen)
	}
	if pastLength > currentLength {
		return fmt.Errorf("%w: past of %d tokens exceeds sequence of %d",
			ErrShapeMismatch, pastLength, currentLength)
	}
	for i, present := range kv.presents {
		trimmed := NewTensor(kv.dtype, kv.entryShape(pastLength)...)
		if err := copySeqPrefix(trimmed, present, pastLength); err != nil {
			return err
		}
		kv.pasts[i] = trimmed
	}
	kv.pastLength = pastLength
	return nil
}

// TrimPast shrinks the past tensors to cover pastLength tokens. Used when the
// sequence store is rolled back across already-consumed positions.
func (kv *KVCache) TrimPast(pastLength int) error {
	if kv.shareBuffer {
		kv.pastLength = pastLength
		return nil
	}
	if kv.pasts[0] == nil || pastLength > int(kv.pasts[0].Dims()[2]) {
		return fmt.Errorf("%w: cannot trim past to %d tokens", ErrShapeMismatch, pastLength)
	}
	for i, past := range kv.pasts {
		trimmed := NewTensor(kv.dtype, kv.entryShape(pastLength)...)
		if err := copySeqPrefix(trimmed, past, pastLength); err != nil {
			return err
		}
		kv.pasts[i] = trimmed
	}
	kv.pastLength = pastLength
	return nil
}

// copySeqPrefix copies the first seqLen positions of every [row, head] lane
// from src into dst. Both are [rows, heads, S, headDim] with differing S.
func copySeqPrefix(dst, src *Tensor, seqLen int) error {
	if dst.DType() != src.DType() {
		return fmt.Errorf("%w: prefix copy across dtypes", ErrShapeMismatch)
	}
	dd, sd := dst.Dims(), src.Dims()
	if len(dd) != 4 || len(sd) != 4 || dd[0] != sd[0] || dd[1] != sd[1] || dd[3] != sd[3] {
		return fmt.Errorf("%w: prefix copy %v into %v", ErrShapeMismatch, sd, dd)
	}
	if int64(seqLen) > dd[2] || int64(seqLen) > sd[2] {
		return fmt.Errorf("%w: prefix of %d from seq dims %d/%d", ErrShapeMismatch, seqLen, sd[2], dd[2])
	}

	lanes := int(dd[0] * dd[1])
	headDim := int(dd[3])
	dstStride := int(dd[2]) * headDim
	srcStride := int(sd[2]) * headDim
	span := seqLen * headDim

	switch dst.DType() {
	case Float32:
		for l := 0; l < lanes; l++ {
			copy(dst.Float32s()[l*dstStride:l*dstStride+span], src.Float32s()[l*srcStride:l*srcStride+span])
		}
	case Float16, BFloat16:
		for l := 0; l < lanes; l++ {
			copy(dst.Uint16s()[l*dstStride:l*dstStride+span], src.Uint16s()[l*srcStride:l*srcStride+span])
		}
	case Int8:
		for l := 0; l < lanes; l++ {
			copy(dst.Int8s()[l*dstStride:l*dstStride+span], src.Int8s()[l*srcStride:l*srcStride+span])
		}
	default:
		return fmt.Errorf("%w: prefix copy over %s cache", ErrShapeMismatch, dst.DType())
	}
	return nil
}

// CrossCache holds the encoder-produced key/value tensors of an
// encoder-decoder model. It is written once during the encoder step and then
// bound read-only to every decoder step.
type CrossCache struct {
	params *GeneratorParams
	dtype  DType

	values      []*Tensor
	inputNames  []string
	outputNames []string
}

// NewCrossCache creates the cross-attention cache for encoderLength source
// tokens.
func NewCrossCache(params *GeneratorParams, dtype DType, encoderLength int) *CrossCache {
	entries := params.NumLayers * 2
	cc := &CrossCache{
		params:      params,
		dtype:       dtype,
		values:      make([]*Tensor, entries),
		inputNames:  make([]string, entries),
		outputNames: make([]string, entries),
	}
	shape := []int64{
		int64(params.BatchBeamSize()),
		int64(params.NumHeads),
		int64(encoderLength),
		int64(params.HeadDim),
	}
	for i := 0; i < params.NumLayers; i++ {
		cc.values[2*i] = NewTensor(dtype, shape...)
		cc.values[2*i+1] = NewTensor(dtype, shape...)
		cc.inputNames[2*i] = fmt.Sprintf("cross_past_key_values.%d.key", i)
		cc.inputNames[2*i+1] = fmt.Sprintf("cross_past_key_values.%d.value", i)
		cc.outputNames[2*i] = fmt.Sprintf("cross_present.%d.key", i)
		cc.outputNames[2*i+1] = fmt.Sprintf("cross_present.%d.value", i)
	}
	return cc
}

// BindOutputs attaches the cross tensors as encoder-step outputs.
func (cc *CrossCache) BindOutputs(ctx *StepContext) {
	for i, v := range cc.values {
		ctx.BindOutput(cc.outputNames[i], v)
	}
}

// BindInputs attaches the cross tensors as read-only decoder inputs.
func (cc *CrossCache) BindInputs(ctx *StepContext) {
	for i, v := range cc.values {
		ctx.BindInput(cc.inputNames[i], v)
	}
}
