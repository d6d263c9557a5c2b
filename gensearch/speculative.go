package gensearch

import (
	"errors"
	"fmt"
)

// SpeculativeSearch verifies draft candidate tokens against the target
// model's own distribution. It reuses the greedy policy's EOS bookkeeping and
// rollback, restricted to batch size 1.
type SpeculativeSearch struct {
	GreedySearch

	acceptedTokens []int32
}

// NewSpeculativeSearch creates the policy. Batch sizes other than 1 are
// rejected.
func NewSpeculativeSearch(params *GeneratorParams, seqs *Sequences) (*SpeculativeSearch, error) {
	if params.BatchSize != 1 {
		return nil, fmt.Errorf("%w: got batch size %d", ErrSpeculativeBatchSize, params.BatchSize)
	}
	return &SpeculativeSearch{GreedySearch: *NewGreedySearch(params, seqs)}, nil
}

// GetNextTokens returns the tokens accepted by the latest verification.
func (s *SpeculativeSearch) GetNextTokens() []int32 {
	return s.acceptedTokens
}

// CheckCandidates walks the [1, C+1, vocab] score window position by
// position: each position is shaped against the sequence built so far, the
// argmax token is appended, and the walk stops at the first divergence from
// the draft, at EOS, or after the extension position. The returned slice
// holds the accepted tokens; its last element is the model's own extension or
// replacement.
func (s *SpeculativeSearch) CheckCandidates(candidates []int32, window []float32) ([]int32, error) {
	candidateLength := len(candidates)
	vocab := s.params.VocabSize
	if len(window) != (candidateLength+1)*vocab {
		return nil, fmt.Errorf("%w: verification window of %d scores for %d candidates",
			ErrShapeMismatch, len(window), candidateLength)
	}

	prevLength := s.sequences.GetSequenceLength()
	accepted := 0
	for logitIndex := 0; logitIndex <= candidateLength; logitIndex++ {
		scores := window[logitIndex*vocab : (logitIndex+1)*vocab]
		s.applyMinLengthAt(scores)
		s.applyRepetitionPenaltyAt(scores)

		token := argmax(scores)
		s.setNextToken(0, token)
		if err := s.appendOne(token); err != nil {
			if errors.Is(err, ErrOutOfSpace) {
				s.done = true
				break
			}
			return nil, err
		}
		accepted = logitIndex + 1
		if s.done || logitIndex == candidateLength || candidates[logitIndex] != token {
			break
		}
	}

	s.acceptedTokens = append([]int32(nil), s.sequences.GetSequence(0)[prevLength:prevLength+accepted]...)
	s.params.Log.Debug("speculative verification",
		"candidates", candidateLength, "accepted", accepted)
	return s.acceptedTokens, nil
}

func (s *SpeculativeSearch) appendOne(token int32) error {
	if err := s.sequences.AppendNextTokens([]int32{token}); err != nil {
		return err
	}
	if s.sequences.GetSequenceLength() == s.params.MaxLength {
		s.params.Log.Debug("hit max length")
		s.done = true
	}
	return nil
}

func (s *SpeculativeSearch) applyMinLengthAt(scores []float32) {
	if s.sequences.GetSequenceLength() >= s.params.MinLength || s.params.EOSTokenID < 0 {
		return
	}
	scores[s.params.EOSTokenID] = negInf
}

func (s *SpeculativeSearch) applyRepetitionPenaltyAt(scores []float32) {
	if s.params.RepetitionPenalty == 1.0 {
		return
	}
	applyRepetitionPenaltyRow(scores, s.sequences.GetSequence(0), s.params.RepetitionPenalty)
}
