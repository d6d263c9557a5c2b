package gensearch

import (
	"fmt"
	"sync/atomic"
)

// StepResult reports one advance of the generation loop.
type StepResult struct {
	TokensAdded int
	Done        bool
}

// Generator drives the autoregressive loop for one generation: it binds the
// step context, calls the model, shapes logits, runs the active search
// policy, rotates the KV cache, and decides termination. All state is owned
// by the generator and mutated on one goroutine.
type Generator struct {
	params *GeneratorParams
	model  Model

	stepCtx   *StepContext
	sequences *Sequences
	inputIDs  *InputIDs
	positions *PositionInputs
	logits    *Logits
	kv        *KVCache
	cross     *CrossCache

	greedy      *GreedySearch
	beam        *BeamSearch
	speculative *SpeculativeSearch

	cancelled atomic.Bool
	started   bool
	err       error
}

// NewGenerator creates a generator bound to a model. Feed a prompt before
// stepping.
func NewGenerator(params *GeneratorParams, model Model) (*Generator, error) {
	if params == nil || model == nil {
		return nil, fmt.Errorf("%w: nil params or model", ErrConfigInvalid)
	}
	return &Generator{
		params:  params,
		model:   model,
		stepCtx: NewStepContext(),
		kv:      NewKVCache(params, model.KVDType()),
		logits:  NewLogits(params, model.LogitsDType()),
	}, nil
}

// SetCrossCache installs an encoder-produced cross-attention cache that will
// be bound read-only to every decoder step.
func (g *Generator) SetCrossCache(cc *CrossCache) {
	g.cross = cc
}

// FeedPrompt initializes the sequence store from the flattened
// [batch, promptLen] prompt and runs the first step over the whole window.
func (g *Generator) FeedPrompt(tokenIDs []int32) error {
	if g.started {
		return fmt.Errorf("%w: prompt already fed", ErrConfigInvalid)
	}

	seqs, err := NewSequences(tokenIDs, g.params.BatchSize, g.params.NumBeams, g.params.MaxLength)
	if err != nil {
		return err
	}
	g.sequences = seqs

	switch {
	case g.params.SpeculativeDecoding:
		g.speculative, err = NewSpeculativeSearch(g.params, seqs)
		if err != nil {
			return err
		}
	case g.params.NumBeams > 1:
		g.beam = NewBeamSearch(g.params, seqs)
	default:
		g.greedy = NewGreedySearch(g.params, seqs)
	}

	promptLen := seqs.GetSequenceLength()
	g.inputIDs = NewInputIDs(g.params, tokenIDs)
	g.positions = NewPositionInputs(g.params, promptLen)
	g.started = true

	_, err = g.runStep(promptLen)
	return err
}

// Step advances generation by one token per row.
func (g *Generator) Step() (StepResult, error) {
	if err := g.checkRunnable(); err != nil {
		return StepResult{}, err
	}
	if g.IsDone() {
		return StepResult{Done: true}, nil
	}
	return g.runStep(1)
}

func (g *Generator) runStep(tokenCount int) (StepResult, error) {
	if g.cancelled.Load() {
		g.markDone()
		return StepResult{Done: true}, nil
	}

	if err := g.computeLogits(tokenCount); err != nil {
		return StepResult{}, g.fail(err)
	}

	scores, err := g.logits.Get()
	if err != nil {
		return StepResult{}, g.fail(err)
	}

	search := g.activeSearch()
	search.SetLogits(scores)
	search.ApplyMinLength()
	search.ApplyRepetitionPenalty()

	if err := g.selectNext(); err != nil {
		return StepResult{}, g.fail(err)
	}

	nextIndices := search.GetNextIndices()
	if err := g.kv.Update(nextIndices, g.stepCtx.CurrentLength); err != nil {
		return StepResult{}, g.fail(err)
	}

	g.inputIDs.Update(search.GetNextTokens())
	g.positions.Update(g.kv.PastLength(), 1)

	return StepResult{TokensAdded: 1, Done: g.IsDone()}, nil
}

// StepDraft verifies draft candidate tokens against the model in one call and
// accepts the matching prefix plus the model's own extension. Requires
// speculative decoding mode.
func (g *Generator) StepDraft(candidates []int32) (StepResult, error) {
	if err := g.checkRunnable(); err != nil {
		return StepResult{}, err
	}
	if g.speculative == nil {
		return StepResult{}, fmt.Errorf("%w: generator not in speculative mode", ErrConfigInvalid)
	}
	if g.IsDone() {
		return StepResult{Done: true}, nil
	}
	if g.cancelled.Load() {
		g.markDone()
		return StepResult{Done: true}, nil
	}
	if len(candidates) == 0 {
		return g.runStep(1)
	}

	// Feed the last verified token plus the draft so the model scores one
	// logit per candidate and one extension position.
	seqLen := g.sequences.GetSequenceLength()
	window := make([]int32, 0, len(candidates)+1)
	window = append(window, g.sequences.GetSequence(0)[seqLen-1])
	window = append(window, candidates...)
	g.inputIDs.UpdateWindow(window)
	g.positions.Update(seqLen-1, len(window))

	if err := g.computeLogits(len(window)); err != nil {
		return StepResult{}, g.fail(err)
	}
	scores, err := g.logits.GetWindow()
	if err != nil {
		return StepResult{}, g.fail(err)
	}

	accepted, err := g.speculative.CheckCandidates(candidates, scores)
	if err != nil {
		return StepResult{}, g.fail(err)
	}

	newLen := g.sequences.GetSequenceLength()
	if err := g.kv.UpdateAndResize(newLen, newLen-1); err != nil {
		return StepResult{}, g.fail(err)
	}
	g.inputIDs.Update([]int32{g.sequences.GetSequence(0)[newLen-1]})
	g.positions.Update(g.kv.PastLength(), 1)

	return StepResult{TokensAdded: len(accepted), Done: g.IsDone()}, nil
}

// DropLastTokens rolls the generation back by numTokens, resurrecting rows
// whose EOS falls inside the dropped suffix and trimming the cache to match.
func (g *Generator) DropLastTokens(numTokens int) error {
	if err := g.checkRunnable(); err != nil {
		return err
	}
	search, ok := g.rollbackSearch()
	if !ok {
		return fmt.Errorf("%w: rollback requires greedy or speculative mode", ErrConfigInvalid)
	}
	search.DropLastTokens(numTokens)
	newLen := g.sequences.GetSequenceLength()
	if newLen == 0 {
		return fmt.Errorf("%w: rollback dropped the entire sequence", ErrConfigInvalid)
	}
	pastLen := newLen - 1
	if g.kv.PastLength() > pastLen {
		if err := g.kv.TrimPast(pastLen); err != nil {
			return g.fail(err)
		}
	}
	g.inputIDs.Update([]int32{g.sequences.GetSequence(0)[newLen-1]})
	g.positions.Update(g.kv.PastLength(), 1)
	return nil
}

func (g *Generator) computeLogits(tokenCount int) error {
	g.inputIDs.Bind(g.stepCtx)
	g.positions.Bind(g.stepCtx)
	g.logits.Bind(g.stepCtx, tokenCount)
	g.kv.Bind(g.stepCtx, tokenCount)
	if g.cross != nil {
		g.cross.BindInputs(g.stepCtx)
	}

	if err := g.model.Run(g.stepCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrModelFailure, err)
	}
	return nil
}

func (g *Generator) selectNext() error {
	switch {
	case g.beam != nil:
		return g.beam.SelectTop()
	case g.params.DoSample && g.params.TopK > 0 && g.params.TopP < 1:
		return g.greedySearch().SampleTopKTopP(g.params.TopK, g.params.TopP, g.params.Temperature)
	case g.params.DoSample && g.params.TopK > 0:
		return g.greedySearch().SampleTopK(g.params.TopK, g.params.Temperature)
	case g.params.DoSample:
		return g.greedySearch().SampleTopP(g.params.TopP, g.params.Temperature)
	default:
		return g.greedySearch().SelectTop()
	}
}

// searchPolicy is the capability set shared by the concrete policies.
type searchPolicy interface {
	SetLogits([]float32)
	ApplyMinLength()
	ApplyRepetitionPenalty()
	GetNextTokens() []int32
	GetNextIndices() []int32
	IsDone() bool
}

func (g *Generator) activeSearch() searchPolicy {
	switch {
	case g.beam != nil:
		return g.beam
	case g.speculative != nil:
		return g.speculative
	default:
		return g.greedy
	}
}

func (g *Generator) greedySearch() *GreedySearch {
	if g.speculative != nil {
		return &g.speculative.GreedySearch
	}
	return g.greedy
}

func (g *Generator) rollbackSearch() (*GreedySearch, bool) {
	if g.speculative != nil {
		return &g.speculative.GreedySearch, true
	}
	if g.greedy != nil {
		return g.greedy, true
	}
	return nil, false
}

func (g *Generator) markDone() {
	if g.greedy != nil {
		g.greedy.done = true
	}
	if g.beam != nil {
		g.beam.done = true
	}
	if g.speculative != nil {
		g.speculative.done = true
	}
}

func (g *Generator) checkRunnable() error {
	if g.err != nil {
		return g.err
	}
	if !g.started {
		return fmt.Errorf("%w: no prompt fed", ErrConfigInvalid)
	}
	return nil
}

// fail records a fatal error, releases buffers, and surfaces the error with
// its kind preserved.
func (g *Generator) fail(err error) error {
	g.err = err
	g.markDone()
	g.kv = nil
	g.logits = nil
	g.stepCtx = nil
	return err
}

// IsDone reports whether the generation has terminated.
func (g *Generator) IsDone() bool {
	if !g.started {
		return false
	}
	return g.activeSearch().IsDone()
}

// Cancel requests termination. The in-progress step finishes; the next step
// observes the signal and transitions to done with partial sequences
// available.
func (g *Generator) Cancel() {
	g.cancelled.Store(true)
}

// GetSequence returns the generated tokens of one batch entry's beam. In beam
// mode this finalizes the scorer and routes through the ranked hypotheses.
func (g *Generator) GetSequence(batchID, beamID int) ([]int32, error) {
	if !g.started {
		return nil, fmt.Errorf("%w: no prompt fed", ErrConfigInvalid)
	}
	if g.beam != nil {
		return g.beam.GetHypothesis(batchID, beamID)
	}
	row := batchID*g.params.NumBeams + beamID
	if row < 0 || row >= g.params.BatchBeamSize() {
		return nil, fmt.Errorf("%w: sequence (%d, %d) out of range", ErrConfigInvalid, batchID, beamID)
	}
	return g.sequences.GetSequence(row), nil
}

// GetSequenceLength returns the current sequence length.
func (g *Generator) GetSequenceLength() int {
	if g.sequences == nil {
		return 0
	}
	return g.sequences.GetSequenceLength()
}

// Close releases the per-generation buffers.
func (g *Generator) Close() error {
	g.sequences = nil
	g.kv = nil
	g.logits = nil
	g.stepCtx = nil
	g.greedy = nil
	g.beam = nil
	g.speculative = nil
	return nil
}
