package gensearch

import (
	"math"
	"sort"
)

// BeamHypothesis is one completed candidate sequence with its cumulative
// log-probability.
type BeamHypothesis struct {
	Sequence []int32
	Score    float32
}

// BeamHypotheses keeps the numBeams best completed hypotheses of one batch
// entry, ranked by length-normalized score.
type BeamHypotheses struct {
	beams         []BeamHypothesis
	numBeams      int
	lengthPenalty float32
	earlyStopping bool
	done          bool
}

func newBeamHypotheses(numBeams int, lengthPenalty float32, earlyStopping bool) *BeamHypotheses {
	return &BeamHypotheses{
		beams:         make([]BeamHypothesis, 0, numBeams),
		numBeams:      numBeams,
		lengthPenalty: lengthPenalty,
		earlyStopping: earlyStopping,
	}
}

func normalizeScore(sumLogProbs float32, length int, alpha float32) float32 {
	return sumLogProbs / float32(math.Pow(float64(length), float64(alpha)))
}

// Add records a completed hypothesis, evicting the worst kept one when full.
func (h *BeamHypotheses) Add(sequence []int32, sumLogProbs float32) {
	score := normalizeScore(sumLogProbs, len(sequence), h.lengthPenalty)
	if len(h.beams) < h.numBeams {
		h.beams = append(h.beams, BeamHypothesis{Sequence: sequence, Score: score})
		return
	}
	worst := h.worstIndex()
	if score > h.beams[worst].Score {
		h.beams[worst] = BeamHypothesis{Sequence: sequence, Score: score}
	}
}

func (h *BeamHypotheses) worstIndex() int {
	worst := 0
	for i := 1; i < len(h.beams); i++ {
		if h.beams[i].Score < h.beams[worst].Score {
			worst = i
		}
	}
	return worst
}

// CanImprove reports whether a live beam with bestSumLogProbs could still beat
// the worst kept hypothesis at the given length.
func (h *BeamHypotheses) CanImprove(bestSumLogProbs float32, currentLength int) bool {
	if len(h.beams) < h.numBeams {
		return true
	}
	current := normalizeScore(bestSumLogProbs, currentLength, h.lengthPenalty)
	return current > h.beams[h.worstIndex()].Score
}

// Sorted returns the kept hypotheses ordered by normalized score descending.
func (h *BeamHypotheses) Sorted() []BeamHypothesis {
	out := append([]BeamHypothesis(nil), h.beams...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// BeamSearchScorer routes top-2K candidates into live beams and completed
// hypotheses, tracking cumulative beam scores and per-batch done state.
type BeamSearchScorer struct {
	params *GeneratorParams

	beamScores  []float32 // cumulative log-prob per live beam
	nextTokens  []int32
	nextIndices []int32

	hyps         []*BeamHypotheses
	notDoneCount int
}

// NewBeamSearchScorer creates the scorer. Only beam 0 starts viable so the
// first step does not select the same token from every identical beam.
func NewBeamSearchScorer(params *GeneratorParams) *BeamSearchScorer {
	bb := params.BatchBeamSize()
	s := &BeamSearchScorer{
		params:       params,
		beamScores:   make([]float32, bb),
		nextTokens:   make([]int32, bb),
		nextIndices:  make([]int32, bb),
		hyps:         make([]*BeamHypotheses, params.BatchSize),
		notDoneCount: params.BatchSize,
	}
	for b := range s.hyps {
		s.hyps[b] = newBeamHypotheses(params.NumBeams, params.LengthPenalty, params.EarlyStopping)
	}
	for i := range s.beamScores {
		if i%params.NumBeams != 0 {
			s.beamScores[i] = -1e9
		}
	}
	return s
}

// GetNextScores returns the cumulative beam scores.
func (s *BeamSearchScorer) GetNextScores() []float32 { return s.beamScores }

// GetNextTokens returns the tokens chosen for the live beams.
func (s *BeamSearchScorer) GetNextTokens() []int32 { return s.nextTokens }

// GetNextIndices returns the batch-beam index each live beam was promoted
// from.
func (s *BeamSearchScorer) GetNextIndices() []int32 { return s.nextIndices }

// IsDone reports whether every batch entry has finished.
func (s *BeamSearchScorer) IsDone() bool { return s.notDoneCount == 0 }

// Process consumes per-batch top-2K candidates in descending score order.
// candidateScores/Tokens/Indices are [batch, 2K]; scores are cumulative beam
// log-probabilities, indices are beam ids within the batch.
func (s *BeamSearchScorer) Process(seqs *Sequences, candidateScores []float32, candidateTokens, candidateIndices []int32) {
	k := s.params.NumBeams
	top := 2 * k
	seqLen := seqs.GetSequenceLength()

	for b := 0; b < s.params.BatchSize; b++ {
		hyp := s.hyps[b]
		if hyp.done {
			for j := 0; j < k; j++ {
				row := b*k + j
				s.beamScores[row] = 0
				s.nextTokens[row] = s.params.PadTokenID
				s.nextIndices[row] = int32(b * k)
			}
			continue
		}

		liveCount := 0
		liveScores := make([]float32, k)
		for i := 0; i < top && liveCount < k; i++ {
			score := candidateScores[b*top+i]
			token := candidateTokens[b*top+i]
			beam := candidateIndices[b*top+i]
			batchBeam := int32(b*k) + beam

			if token == s.params.EOSTokenID && s.params.EOSTokenID >= 0 {
				completed := make([]int32, 0, seqLen+1)
				completed = append(completed, seqs.GetSequence(int(batchBeam))...)
				completed = append(completed, s.params.EOSTokenID)
				hyp.Add(completed, score)
				continue
			}

			row := b*k + liveCount
			liveScores[liveCount] = score
			s.nextTokens[row] = token
			s.nextIndices[row] = batchBeam
			liveCount++
		}
		copy(s.beamScores[b*k:(b+1)*k], liveScores)

		if len(hyp.beams) == k {
			best := liveScores[0]
			for _, sc := range liveScores[1:] {
				if sc > best {
					best = sc
				}
			}
			if hyp.earlyStopping || !hyp.CanImprove(best, seqLen+1) {
				hyp.done = true
				s.notDoneCount--
				s.params.Log.Debug("beam batch done", "batch", b)
			}
		}
	}
}

// Finalize tops up unfinished batches with their live beams, truncated at the
// current length.
func (s *BeamSearchScorer) Finalize(seqs *Sequences) {
	k := s.params.NumBeams
	for b := 0; b < s.params.BatchSize; b++ {
		hyp := s.hyps[b]
		if hyp.done {
			continue
		}
		for j := 0; j < k; j++ {
			row := b*k + j
			seq := append([]int32(nil), seqs.GetSequence(row)...)
			hyp.Add(seq, s.beamScores[row])
		}
	}
}

// GetBeamHypotheses returns batch b's completed hypotheses ordered best-first.
func (s *BeamSearchScorer) GetBeamHypotheses(b int) []BeamHypothesis {
	return s.hyps[b].Sorted()
}
