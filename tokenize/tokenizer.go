// Package tokenize provides the tokenizer surface the engine consumes. The
// heavy lifting is delegated to HuggingFace tokenizers; a trivial word-level
// tokenizer covers offline tests and demos.
package tokenize

import (
	"fmt"
	"strings"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	Decode(tokenIDs []int32) (string, error)
	EOSTokenID() int32
	Close() error
}

// WordTokenizer is a deterministic word-level tokenizer: ids are assigned in
// first-seen order. It exists for tests and offline demos, not quality.
type WordTokenizer struct {
	vocab    map[string]int32
	invVocab map[int32]string
	eosID    int32
}

// NewWordTokenizer creates a word tokenizer whose EOS id is 0.
func NewWordTokenizer() *WordTokenizer {
	t := &WordTokenizer{
		vocab:    make(map[string]int32),
		invVocab: make(map[int32]string),
		eosID:    0,
	}
	t.invVocab[t.eosID] = ""
	return t
}

// Encode implements Tokenizer.
func (t *WordTokenizer) Encode(text string) ([]int32, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	ids := make([]int32, len(words))
	for i, w := range words {
		id, ok := t.vocab[w]
		if !ok {
			id = int32(len(t.vocab)) + 1
			t.vocab[w] = id
			t.invVocab[id] = w
		}
		ids[i] = id
	}
	return ids, nil
}

// Decode implements Tokenizer. Unknown ids render as token placeholders.
func (t *WordTokenizer) Decode(tokenIDs []int32) (string, error) {
	parts := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == t.eosID {
			continue
		}
		if w, ok := t.invVocab[id]; ok {
			parts = append(parts, w)
		} else {
			parts = append(parts, fmt.Sprintf("<%d>", id))
		}
	}
	return strings.Join(parts, " "), nil
}

// EOSTokenID implements Tokenizer.
func (t *WordTokenizer) EOSTokenID() int32 { return t.eosID }

// Close implements Tokenizer.
func (t *WordTokenizer) Close() error { return nil }
