package gensearch

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// searchState is the state shared by every search policy: the shaped score
// window, the sequence store, and the done flag.
type searchState struct {
	params    *GeneratorParams
	sequences *Sequences
	scores    []float32 // active [rows, vocab] window
	done      bool
}

// SetLogits hands the policy the shaped fp32 score window.
func (s *searchState) SetLogits(scores []float32) {
	s.scores = scores
}

// IsDone reports whether the generation has terminated.
func (s *searchState) IsDone() bool {
	return s.done
}

// Sequences exposes the token store.
func (s *searchState) Sequences() *Sequences {
	return s.sequences
}

func (s *searchState) rowScores(row int) []float32 {
	v := s.params.VocabSize
	return s.scores[row*v : (row+1)*v]
}

// ApplyMinLength masks EOS while the sequence is shorter than the minimum.
func (s *searchState) ApplyMinLength() {
	if s.sequences.GetSequenceLength() >= s.params.MinLength {
		return
	}
	if s.params.EOSTokenID < 0 {
		return
	}
	for r := 0; r < s.params.BatchBeamSize(); r++ {
		s.rowScores(r)[s.params.EOSTokenID] = negInf
	}
}

// ApplyRepetitionPenalty damps every token already present in a row's history.
// Scores are assumed wholly positive or wholly negative per row; mixed signs
// are accepted as-is.
func (s *searchState) ApplyRepetitionPenalty() {
	penalty := s.params.RepetitionPenalty
	if penalty == 1.0 {
		return
	}
	for r := 0; r < s.params.BatchBeamSize(); r++ {
		applyRepetitionPenaltyRow(s.rowScores(r), s.sequences.GetSequence(r), penalty)
	}
}

func applyRepetitionPenaltyRow(scores []float32, sequence []int32, penalty float32) {
	seen := make(map[int32]struct{}, len(sequence))
	for _, id := range sequence {
		seen[id] = struct{}{}
	}
	for id := range seen {
		if id < 0 || int(id) >= len(scores) {
			continue
		}
		if scores[id] < 0 {
			scores[id] *= penalty
		} else {
			scores[id] /= penalty
		}
	}
}

var negInf = float32(math.Inf(-1))

// GreedySearch drives greedy and sampled selection for one row per batch
// entry, with EOS/pad bookkeeping.
type GreedySearch struct {
	searchState

	rng          *rand.Rand
	nextTokens   []int32
	eosSeen      []bool
	notDoneCount int
}

// NewGreedySearch creates the policy over an existing sequence store.
func NewGreedySearch(params *GeneratorParams, seqs *Sequences) *GreedySearch {
	return &GreedySearch{
		searchState:  searchState{params: params, sequences: seqs},
		rng:          newRNG(params.RandomSeed),
		nextTokens:   make([]int32, params.BatchSize),
		eosSeen:      make([]bool, params.BatchSize),
		notDoneCount: params.BatchSize,
	}
}

// GetNextTokens returns the tokens selected by the latest step.
func (g *GreedySearch) GetNextTokens() []int32 {
	return g.nextTokens
}

// GetNextIndices returns nil: greedy rows never reorder.
func (g *GreedySearch) GetNextIndices() []int32 {
	return nil
}

// SelectTop picks the argmax token per row, lowest index on ties.
func (g *GreedySearch) SelectTop() error {
	for row := 0; row < g.params.BatchSize; row++ {
		if g.padIfAlreadyEOS(row) {
			continue
		}
		g.setNextToken(row, argmax(g.rowScores(row)))
	}
	return g.appendNextTokens()
}

// SampleTopK softmaxes each row at the given temperature and samples among
// the k most probable tokens, weighted by probability.
func (g *GreedySearch) SampleTopK(k int, temperature float32) error {
	for row := 0; row < g.params.BatchSize; row++ {
		if g.padIfAlreadyEOS(row) {
			continue
		}
		scores := g.rowScores(row)
		SoftMax(scores, temperature)
		indices := topIndices(scores, k)

		var sum float64
		for _, idx := range indices {
			sum += float64(scores[idx])
		}
		r := g.rng.Float64() * sum
		token := indices[len(indices)-1]
		var cum float64
		for _, idx := range indices {
			cum += float64(scores[idx])
			if r < cum {
				token = idx
				break
			}
		}
		g.setNextToken(row, token)
	}
	return g.appendNextTokens()
}

// SampleTopP draws a threshold uniformly in (0, p) and walks the
// probability-sorted vocabulary until the cumulative mass crosses it: an exact
// inverse-CDF sample from the nucleus.
func (g *GreedySearch) SampleTopP(p, temperature float32) error {
	for row := 0; row < g.params.BatchSize; row++ {
		if g.padIfAlreadyEOS(row) {
			continue
		}
		scores := g.rowScores(row)
		SoftMax(scores, temperature)
		indices := topIndices(scores, len(scores))
		threshold := float32(g.rng.Float64()) * p
		g.setNextToken(row, pickByThreshold(scores, indices, threshold, 0))
	}
	return g.appendNextTokens()
}

// SampleTopKTopP restricts to the top k tokens, then applies the top-p walk
// over them; if the threshold never crosses, the k-th token is returned.
func (g *GreedySearch) SampleTopKTopP(k int, p, temperature float32) error {
	for row := 0; row < g.params.BatchSize; row++ {
		if g.padIfAlreadyEOS(row) {
			continue
		}
		scores := g.rowScores(row)
		SoftMax(scores, temperature)
		indices := topIndices(scores, k)
		threshold := float32(g.rng.Float64()) * p
		g.setNextToken(row, pickByThreshold(scores, indices, threshold, indices[len(indices)-1]))
	}
	return g.appendNextTokens()
}

// padIfAlreadyEOS writes the pad token for rows that already emitted EOS.
func (g *GreedySearch) padIfAlreadyEOS(row int) bool {
	if !g.eosSeen[row] {
		return false
	}
	g.nextTokens[row] = g.params.PadTokenID
	return true
}

func (g *GreedySearch) setNextToken(row int, token int32) {
	g.nextTokens[row] = token
	if token == g.params.EOSTokenID {
		g.eosSeen[row] = true
		g.params.Log.Debug("hit eos", "row", row)
		g.notDoneCount--
		if g.notDoneCount == 0 {
			g.done = true
		}
	}
}

func (g *GreedySearch) appendNextTokens() error {
	if err := g.sequences.AppendNextTokens(g.nextTokens); err != nil {
		if errors.Is(err, ErrOutOfSpace) {
			g.done = true
			return nil
		}
		return err
	}
	if g.sequences.GetSequenceLength() == g.params.MaxLength {
		g.params.Log.Debug("hit max length")
		g.done = true
	}
	return nil
}

// DropLastTokens rolls the store back by numTokens. Rows whose dropped suffix
// contains EOS are resurrected, once per occurrence.
func (g *GreedySearch) DropLastTokens(numTokens int) {
	newLength := g.sequences.GetSequenceLength() - numTokens
	for row := 0; row < g.params.BatchSize; row++ {
		if !g.eosSeen[row] {
			continue
		}
		dropped := g.sequences.GetSequence(row)[newLength:]
		for _, tok := range dropped {
			if tok == g.params.EOSTokenID {
				g.notDoneCount++
				g.done = false
				g.eosSeen[row] = false
				g.params.Log.Debug("reverted eos", "row", row)
			}
		}
	}
	g.sequences.DropLastTokens(numTokens)
}

func argmax(scores []float32) int32 {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return int32(best)
}

// topIndices returns the indices of the k largest scores, descending; equal
// scores keep ascending index order.
func topIndices(scores []float32, k int) []int32 {
	if k > len(scores) {
		k = len(scores)
	}
	indices := make([]int32, len(scores))
	for i := range indices {
		indices[i] = int32(i)
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return scores[indices[a]] > scores[indices[b]]
	})
	return indices[:k]
}

// pickByThreshold walks probability-sorted indices subtracting each mass from
// the threshold, returning the first index that drives it non-positive.
func pickByThreshold(scores []float32, indices []int32, threshold float32, fallback int32) int32 {
	for _, idx := range indices {
		threshold -= scores[idx]
		if threshold > 0 {
			continue
		}
		return idx
	}
	return fallback
}

// BeamSearch drives beam selection through the scorer.
type BeamSearch struct {
	searchState

	scorer    *BeamSearchScorer
	finalized bool
}

// NewBeamSearch creates the policy over an existing sequence store.
func NewBeamSearch(params *GeneratorParams, seqs *Sequences) *BeamSearch {
	return &BeamSearch{
		searchState: searchState{params: params, sequences: seqs},
		scorer:      NewBeamSearchScorer(params),
	}
}

// GetNextTokens returns the tokens chosen for the live beams.
func (b *BeamSearch) GetNextTokens() []int32 {
	return b.scorer.GetNextTokens()
}

// GetNextIndices returns the beam promotion map for cache reordering.
func (b *BeamSearch) GetNextIndices() []int32 {
	return b.scorer.GetNextIndices()
}

// IsDone also accounts for the scorer's per-batch completion state.
func (b *BeamSearch) IsDone() bool {
	return b.done || b.scorer.IsDone()
}

// SelectTop log-softmaxes each row, folds in the cumulative beam scores,
// selects the per-batch top 2K candidates, and lets the scorer promote them.
// Candidates with equal scores keep ascending flat-index order.
func (b *BeamSearch) SelectTop() error {
	k := b.params.NumBeams
	vocab := b.params.VocabSize
	for r := 0; r < b.params.BatchBeamSize(); r++ {
		LogSoftMax(b.rowScores(r), 1.0)
	}

	beamScores := b.scorer.GetNextScores()
	for r := 0; r < b.params.BatchBeamSize(); r++ {
		row := b.rowScores(r)
		for i := range row {
			row[i] += beamScores[r]
		}
	}

	top := 2 * k
	candScores := make([]float32, b.params.BatchSize*top)
	candTokens := make([]int32, b.params.BatchSize*top)
	candIndices := make([]int32, b.params.BatchSize*top)

	for batch := 0; batch < b.params.BatchSize; batch++ {
		flat := b.scores[batch*k*vocab : (batch+1)*k*vocab]
		sel := selectTopCandidates(flat, top)
		for i, c := range sel {
			candScores[batch*top+i] = c.score
			candTokens[batch*top+i] = int32(c.index % vocab)
			candIndices[batch*top+i] = int32(c.index / vocab)
		}
	}

	b.scorer.Process(b.sequences, candScores, candTokens, candIndices)
	return b.appendNextTokens()
}

func (b *BeamSearch) appendNextTokens() error {
	err := b.sequences.AppendNextTokensReorder(b.scorer.GetNextIndices(), b.scorer.GetNextTokens())
	if err != nil {
		if errors.Is(err, ErrOutOfSpace) {
			b.done = true
			return nil
		}
		return err
	}
	if b.sequences.GetSequenceLength() == b.params.MaxLength {
		b.params.Log.Debug("hit max length")
		b.done = true
	}
	return nil
}

// Finalize completes the hypothesis stores. Idempotent.
func (b *BeamSearch) Finalize() {
	if b.finalized {
		return
	}
	b.scorer.Finalize(b.sequences)
	b.finalized = true
}

// GetHypothesis returns the beam-th best finalized sequence of a batch entry.
// Only the NumReturnSequences best hypotheses are served.
func (b *BeamSearch) GetHypothesis(batch, beam int) ([]int32, error) {
	b.Finalize()
	sorted := b.scorer.GetBeamHypotheses(batch)
	if n := b.params.NumReturnSequences; len(sorted) > n {
		sorted = sorted[:n]
	}
	if beam >= len(sorted) {
		return nil, fmt.Errorf("%w: hypothesis %d of %d", ErrConfigInvalid, beam, len(sorted))
	}
	return sorted[beam].Sequence, nil
}

type scoredCandidate struct {
	score float32
	index int // flat beam*vocab + token index
}

// selectTopCandidates keeps the top-k entries of a flat score window by
// bounded insertion, descending; strict comparison keeps equal-score
// candidates in ascending flat-index order.
func selectTopCandidates(flat []float32, k int) []scoredCandidate {
	kept := make([]scoredCandidate, 0, k+1)
	for i, score := range flat {
		pos := len(kept)
		for pos > 0 && kept[pos-1].score < score {
			pos--
		}
		if pos >= k {
			continue
		}
		kept = append(kept, scoredCandidate{})
		copy(kept[pos+1:], kept[pos:])
		kept[pos] = scoredCandidate{score: score, index: i}
		if len(kept) > k {
			kept = kept[:k]
		}
	}
	return kept
}
