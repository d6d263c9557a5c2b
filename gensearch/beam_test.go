package gensearch

import (
	"math"
	"testing"
)

func beamFixture(t *testing.T, opts ...GeneratorOption) (*BeamSearch, *Sequences, *GeneratorParams) {
	t.Helper()
	opts = append([]GeneratorOption{WithNumBeams(2), WithMaxLength(3), WithNumReturnSequences(2)}, opts...)
	params, err := NewGeneratorParams(3, opts...)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	seqs, err := NewSequences([]int32{0}, 1, params.NumBeams, params.MaxLength)
	if err != nil {
		t.Fatalf("sequences: %v", err)
	}
	return NewBeamSearch(params, seqs), seqs, params
}

func TestSelectTopCandidatesTieBreak(t *testing.T) {
	// Equal scores keep ascending flat-index order.
	flat := []float32{1, 3, 3, 2, 3, 0}
	kept := selectTopCandidates(flat, 4)

	wantIdx := []int{1, 2, 4, 3}
	for i, c := range kept {
		if c.index != wantIdx[i] {
			t.Errorf("Position %d: expected index %d, got %d", i, wantIdx[i], c.index)
		}
	}
}

func TestBeamSearchHandTrace(t *testing.T) {
	b, seqs, _ := beamFixture(t)

	// Step 1: only beam 0 is viable; tokens 0 and 1 win the two slots.
	scores := make([]float32, 2*3)
	copy(scores[0:3], []float32{2, 1, 0})
	copy(scores[3:6], []float32{2, 1, 0})
	b.SetLogits(scores)
	if err := b.SelectTop(); err != nil {
		t.Fatalf("select: %v", err)
	}

	if got := b.GetNextTokens(); got[0] != 0 || got[1] != 1 {
		t.Errorf("Step 1: expected tokens [0 1], got %v", got)
	}
	if got := b.GetNextIndices(); got[0] != 0 || got[1] != 0 {
		t.Errorf("Step 1: expected both beams promoted from beam 0, got %v", got)
	}
	if r0, r1 := seqs.GetSequence(0), seqs.GetSequence(1); r0[1] != 0 || r1[1] != 1 {
		t.Errorf("Step 1: expected histories [0 0] and [0 1], got %v %v", r0, r1)
	}

	// Step 2: beam 0 prefers token 0, beam 1 prefers token 2. Beam 0 taking
	// token 0 is the clear best; the runner-up slot is a tie in exact
	// arithmetic that float32 rounding settles, so only the best beam is
	// checked.
	scores = make([]float32, 2*3)
	copy(scores[0:3], []float32{1, 0, 0})
	copy(scores[3:6], []float32{0, 0, 1})
	b.SetLogits(scores)
	if err := b.SelectTop(); err != nil {
		t.Fatalf("select: %v", err)
	}

	if got := b.GetNextTokens(); got[0] != 0 {
		t.Errorf("Step 2: expected best beam to take token 0, got %v", got)
	}
	if got := b.GetNextIndices(); got[0] != 0 {
		t.Errorf("Step 2: expected best beam promoted from row 0, got %v", got)
	}
	if !b.IsDone() {
		t.Errorf("Expected done at max length")
	}

	// Finalization emits ranked hypotheses.
	first, err := b.GetHypothesis(0, 0)
	if err != nil {
		t.Fatalf("hypothesis: %v", err)
	}
	second, err := b.GetHypothesis(0, 1)
	if err != nil {
		t.Fatalf("hypothesis: %v", err)
	}
	if first[0] != 0 || first[1] != 0 || first[2] != 0 {
		t.Errorf("Expected best hypothesis [0 0 0], got %v", first)
	}
	if len(second) != 3 {
		t.Errorf("Expected full-length runner-up, got %v", second)
	}
}

func TestBeamEOSCompletesHypothesis(t *testing.T) {
	b, _, params := beamFixture(t, WithEOSTokenID(2))

	// Token 2 (EOS) scores highest for beam 0: it must complete a
	// hypothesis without occupying a live slot.
	scores := make([]float32, 2*3)
	copy(scores[0:3], []float32{1, 0, 5})
	copy(scores[3:6], []float32{1, 0, 5})
	b.SetLogits(scores)
	if err := b.SelectTop(); err != nil {
		t.Fatalf("select: %v", err)
	}

	hyps := b.scorer.GetBeamHypotheses(0)
	if len(hyps) != 1 {
		t.Fatalf("Expected one completed hypothesis, got %d", len(hyps))
	}
	if got := hyps[0].Sequence; got[len(got)-1] != params.EOSTokenID {
		t.Errorf("Expected hypothesis to end with EOS, got %v", got)
	}
	for _, tok := range b.GetNextTokens() {
		if tok == params.EOSTokenID {
			t.Errorf("EOS must not be promoted into live beams")
		}
	}
}

func TestBeamFinalizeOrdering(t *testing.T) {
	h := newBeamHypotheses(3, 1.0, false)
	h.Add([]int32{1, 2}, -1.0)
	h.Add([]int32{1, 2, 3}, -0.9)
	h.Add([]int32{1}, -2.0)

	sorted := h.Sorted()
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Score > sorted[i-1].Score {
			t.Errorf("Hypotheses not sorted descending: %v", sorted)
		}
	}
}

func TestBeamHypothesesLengthPenalty(t *testing.T) {
	h := newBeamHypotheses(1, 2.0, false)
	h.Add([]int32{1, 2}, -4.0)
	want := float32(-4.0 / math.Pow(2, 2))
	if got := h.Sorted()[0].Score; got != want {
		t.Errorf("Expected normalized score %g, got %g", want, got)
	}
}

func TestBeamHypothesesEviction(t *testing.T) {
	h := newBeamHypotheses(2, 1.0, false)
	h.Add([]int32{1}, -3.0)
	h.Add([]int32{2}, -2.0)
	h.Add([]int32{3}, -1.0)

	sorted := h.Sorted()
	if len(sorted) != 2 {
		t.Fatalf("Expected 2 kept hypotheses, got %d", len(sorted))
	}
	if sorted[0].Sequence[0] != 3 || sorted[1].Sequence[0] != 2 {
		t.Errorf("Expected worst hypothesis evicted, got %v", sorted)
	}
}
