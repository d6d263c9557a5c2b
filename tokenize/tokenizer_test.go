package tokenize

import "testing"

func TestWordTokenizerRoundTrip(t *testing.T) {
	tok := NewWordTokenizer()
	ids, err := tok.Encode("the quick brown fox")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("Expected 4 tokens, got %d", len(ids))
	}

	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if text != "the quick brown fox" {
		t.Errorf("Round trip mismatch: %q", text)
	}
}

func TestWordTokenizerStableIDs(t *testing.T) {
	tok := NewWordTokenizer()
	first, _ := tok.Encode("a b a")
	if first[0] != first[2] {
		t.Errorf("Expected repeated word to share an id")
	}
	second, _ := tok.Encode("a")
	if second[0] != first[0] {
		t.Errorf("Expected id stable across calls")
	}
}

func TestWordTokenizerSkipsEOSOnDecode(t *testing.T) {
	tok := NewWordTokenizer()
	ids, _ := tok.Encode("x y")
	text, err := tok.Decode(append(ids, tok.EOSTokenID()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if text != "x y" {
		t.Errorf("Expected EOS dropped from decode, got %q", text)
	}
}

func TestWordTokenizerEmptyPrompt(t *testing.T) {
	tok := NewWordTokenizer()
	if _, err := tok.Encode("   "); err == nil {
		t.Errorf("Expected error for empty prompt")
	}
}
