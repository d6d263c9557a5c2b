package gensearch

import "fmt"

// Sequences is the token history store for one generation: a dense
// [batch*beams, maxLength] buffer plus the current length. Positions past the
// current length are undefined.
type Sequences struct {
	buf     []int32
	scratch []int32

	batchBeamSize int
	maxLength     int
	length        int
}

// NewSequences creates the store and seeds every row with its batch entry's
// prompt. inputIDs is the flattened [batchSize, promptLen] prompt; each prompt
// row is replicated across its beams.
func NewSequences(inputIDs []int32, batchSize, numBeams, maxLength int) (*Sequences, error) {
	if batchSize <= 0 || len(inputIDs)%batchSize != 0 {
		return nil, fmt.Errorf("%w: prompt of %d tokens does not divide into batch of %d",
			ErrShapeMismatch, len(inputIDs), batchSize)
	}
	promptLen := len(inputIDs) / batchSize
	if promptLen == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrShapeMismatch)
	}
	if promptLen > maxLength {
		return nil, fmt.Errorf("%w: prompt length %d exceeds max length %d",
			ErrOutOfSpace, promptLen, maxLength)
	}

	s := &Sequences{
		buf:           make([]int32, batchSize*numBeams*maxLength),
		scratch:       make([]int32, batchSize*numBeams*maxLength),
		batchBeamSize: batchSize * numBeams,
		maxLength:     maxLength,
		length:        promptLen,
	}
	for b := 0; b < batchSize; b++ {
		prompt := inputIDs[b*promptLen : (b+1)*promptLen]
		for k := 0; k < numBeams; k++ {
			row := b*numBeams + k
			copy(s.buf[row*maxLength:], prompt)
		}
	}
	return s, nil
}

// GetSequence returns a view of row's tokens up to the current length.
func (s *Sequences) GetSequence(row int) []int32 {
	return s.buf[row*s.maxLength : row*s.maxLength+s.length]
}

// GetSequenceLength returns the current length shared by every row.
func (s *Sequences) GetSequenceLength() int {
	return s.length
}

// MaxLength returns the row capacity.
func (s *Sequences) MaxLength() int {
	return s.maxLength
}

// BatchBeamSize returns the number of rows.
func (s *Sequences) BatchBeamSize() int {
	return s.batchBeamSize
}

// AppendNextTokens writes one token per row at the current length.
func (s *Sequences) AppendNextTokens(nextTokens []int32) error {
	if len(nextTokens) != s.batchBeamSize {
		return fmt.Errorf("%w: %d next tokens for %d rows", ErrShapeMismatch, len(nextTokens), s.batchBeamSize)
	}
	if s.length >= s.maxLength {
		return ErrOutOfSpace
	}
	for r, tok := range nextTokens {
		s.buf[r*s.maxLength+s.length] = tok
	}
	s.length++
	return nil
}

// AppendNextTokensReorder rebuilds each row from the beam it was promoted
// from, then appends that row's next token. Row r's new history is row
// nextIndices[r]'s old history plus nextTokens[r].
func (s *Sequences) AppendNextTokensReorder(nextIndices, nextTokens []int32) error {
	if len(nextIndices) != s.batchBeamSize || len(nextTokens) != s.batchBeamSize {
		return fmt.Errorf("%w: %d indices / %d tokens for %d rows",
			ErrShapeMismatch, len(nextIndices), len(nextTokens), s.batchBeamSize)
	}
	if s.length >= s.maxLength {
		return ErrOutOfSpace
	}
	for r := range nextIndices {
		src := int(nextIndices[r])
		dst := s.scratch[r*s.maxLength:]
		copy(dst[:s.length], s.buf[src*s.maxLength:src*s.maxLength+s.length])
		dst[s.length] = nextTokens[r]
	}
	s.buf, s.scratch = s.scratch, s.buf
	s.length++
	return nil
}

// DropLastTokens shrinks every row by n tokens. Used for speculative rollback.
func (s *Sequences) DropLastTokens(n int) {
	if n > s.length {
		n = s.length
	}
	s.length -= n
}
