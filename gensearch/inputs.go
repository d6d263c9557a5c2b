package gensearch

// Slot names shared between the generator's sub-components and model
// implementations.
const (
	SlotInputIDs      = "input_ids"
	SlotPositionIDs   = "position_ids"
	SlotAttentionMask = "attention_mask"
	SlotLogits        = "logits"
)

// InputIDs maintains the token window fed to the model: the whole prompt on
// the first step, the freshly appended tokens afterwards.
type InputIDs struct {
	params *GeneratorParams
	tensor *Tensor
}

// NewInputIDs creates the input-ids component seeded with the prompt window.
func NewInputIDs(params *GeneratorParams, prompt []int32) *InputIDs {
	promptLen := len(prompt) / params.BatchSize
	in := &InputIDs{params: params}
	in.tensor = NewTensor(Int64, int64(params.BatchBeamSize()), int64(promptLen))
	ids := in.tensor.Int64s()
	for b := 0; b < params.BatchSize; b++ {
		row := prompt[b*promptLen : (b+1)*promptLen]
		for k := 0; k < params.NumBeams; k++ {
			base := (b*params.NumBeams + k) * promptLen
			for i, tok := range row {
				ids[base+i] = int64(tok)
			}
		}
	}
	return in
}

// Bind attaches the current window to the step context.
func (in *InputIDs) Bind(ctx *StepContext) {
	ctx.BindInput(SlotInputIDs, in.tensor)
}

// Update replaces the window with one next token per row.
func (in *InputIDs) Update(nextTokens []int32) {
	bb := in.params.BatchBeamSize()
	if int(in.tensor.Dims()[1]) != 1 {
		in.tensor = NewTensor(Int64, int64(bb), 1)
	}
	ids := in.tensor.Int64s()
	for r, tok := range nextTokens {
		ids[r] = int64(tok)
	}
}

// UpdateWindow replaces the window with an explicit multi-token span for one
// row, used during speculative verification.
func (in *InputIDs) UpdateWindow(tokens []int32) {
	in.tensor = NewTensor(Int64, 1, int64(len(tokens)))
	ids := in.tensor.Int64s()
	for i, tok := range tokens {
		ids[i] = int64(tok)
	}
}

// PositionInputs maintains position ids for the fed window and the attention
// mask over the full sequence.
type PositionInputs struct {
	params    *GeneratorParams
	positions *Tensor
	mask      *Tensor
}

// NewPositionInputs creates position inputs covering the prompt window.
func NewPositionInputs(params *GeneratorParams, promptLen int) *PositionInputs {
	p := &PositionInputs{params: params}
	p.rebuild(0, promptLen)
	return p
}

func (p *PositionInputs) rebuild(start, tokenCount int) {
	bb := p.params.BatchBeamSize()
	p.positions = NewTensor(Int64, int64(bb), int64(tokenCount))
	pos := p.positions.Int64s()
	for r := 0; r < bb; r++ {
		for i := 0; i < tokenCount; i++ {
			pos[r*tokenCount+i] = int64(start + i)
		}
	}

	total := start + tokenCount
	p.mask = NewTensor(Int64, int64(bb), int64(total))
	m := p.mask.Int64s()
	for i := range m {
		m[i] = 1
	}
}

// Bind attaches positions and mask to the step context.
func (p *PositionInputs) Bind(ctx *StepContext) {
	ctx.BindInput(SlotPositionIDs, p.positions)
	ctx.BindInput(SlotAttentionMask, p.mask)
}

// Update advances the window: the fed tokens start at pastLength and span
// tokenCount positions.
func (p *PositionInputs) Update(pastLength, tokenCount int) {
	p.rebuild(pastLength, tokenCount)
}
