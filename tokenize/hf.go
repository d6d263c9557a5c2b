package tokenize

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// HFTokenizer wraps a HuggingFace tokenizer.json via the tokenizers binding.
type HFTokenizer struct {
	tk    *tokenizers.Tokenizer
	eosID int32
}

// NewHFTokenizer loads tokenizer.json from path. eosID comes from the model's
// configuration; the tokenizer file does not carry it reliably.
func NewHFTokenizer(path string, eosID int32) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	return &HFTokenizer{tk: tk, eosID: eosID}, nil
}

// Encode implements Tokenizer.
func (t *HFTokenizer) Encode(text string) ([]int32, error) {
	ids, _ := t.tk.Encode(text, true)
	if len(ids) == 0 {
		return nil, fmt.Errorf("tokenizer produced no tokens")
	}
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out, nil
}

// Decode implements Tokenizer.
func (t *HFTokenizer) Decode(tokenIDs []int32) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID implements Tokenizer.
func (t *HFTokenizer) EOSTokenID() int32 { return t.eosID }

// Close implements Tokenizer.
func (t *HFTokenizer) Close() error { return t.tk.Close() }
