package tokenizers

import (
	"errors"
	"strings"
	"testing"

	"github.com/ferro-labs/model-proxy/internal/proxyerr"
)

func TestWordTokenizer_RoundTrip(t *testing.T) {
	tests := []string{
		"",
		"hello",
		"The quick brown fox, jumps!",
		"  leading and trailing  ",
		"tabs\tand\nnewlines",
	}
	tok := NewWordTokenizer()
	for _, text := range tests {
		tokens := tok.Tokenize(text)
		ids := make([]int, len(tokens))
		var joined strings.Builder
		for i, tk := range tokens {
			ids[i] = tk.ID
			joined.WriteString(tk.Value)
		}
		if joined.String() != text {
			t.Errorf("values of %q join to %q", text, joined.String())
		}
		got, err := tok.Decode(ids)
		if err != nil {
			t.Fatalf("decode %q: %v", text, err)
		}
		if got != text {
			t.Errorf("decode(%q) = %q", text, got)
		}
	}
}

func TestWordTokenizer_Split(t *testing.T) {
	got := NewWordTokenizer().Tokenize("Hi, there")
	want := []string{"Hi", ",", " there"}
	if len(got) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Value != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i].Value, want[i])
		}
	}
}

func TestByteTokenizer(t *testing.T) {
	tok := NewByteTokenizer()
	tokens := tok.Tokenize("ab")
	if len(tokens) != 2 || tokens[0].ID != 'a' || tokens[1].ID != 'b' {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
	if _, err := tok.Decode([]int{300}); err == nil {
		t.Error("expected out of range error")
	}
}

func TestRegistry_TokenizeTruncation(t *testing.T) {
	r := Defaults()
	res, err := r.Tokenize(TokenizationRequest{
		Text:       "one two three four",
		Tokenizer:  WordTokenizerName,
		Truncation: true,
		MaxLength:  2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Tokens) != 2 {
		t.Errorf("expected 2 tokens, got %d", len(res.Tokens))
	}
	if res.Cached {
		t.Error("tokenization is never cached")
	}
}

func TestRegistry_UnknownTokenizer(t *testing.T) {
	_, err := Defaults().Tokenize(TokenizationRequest{Text: "x", Tokenizer: "nope"})
	if !errors.Is(err, proxyerr.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	_, err = Defaults().Decode(DecodeRequest{Tokens: []int{1}, Tokenizer: "nope"})
	if !errors.Is(err, proxyerr.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
