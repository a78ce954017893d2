package tokenizers

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// Built-in tokenizer names.
const (
	ByteTokenizerName = "simple/byte"
	WordTokenizerName = "simple/word"
)

// ByteTokenizer emits one token per byte; the ID is the byte value.
type ByteTokenizer struct{}

// NewByteTokenizer returns the byte tokenizer.
func NewByteTokenizer() *ByteTokenizer { return &ByteTokenizer{} }

func (*ByteTokenizer) Name() string           { return ByteTokenizerName }
func (*ByteTokenizer) EndOfTextToken() string { return "" }
func (*ByteTokenizer) PrefixToken() string    { return "" }

func (*ByteTokenizer) Tokenize(text string) []Token {
	tokens := make([]Token, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = Token{Value: text[i : i+1], ID: int(text[i])}
	}
	return tokens
}

func (*ByteTokenizer) Decode(ids []int) (string, error) {
	b := make([]byte, len(ids))
	for i, id := range ids {
		if id < 0 || id > 255 {
			return "", fmt.Errorf("byte token id %d out of range", id)
		}
		b[i] = byte(id)
	}
	return string(b), nil
}

// WordTokenizer splits text into words and punctuation, each carrying its
// leading whitespace, so concatenating token values reproduces the text.
// IDs come from a vocabulary grown on first sight of a token.
type WordTokenizer struct {
	mu    sync.Mutex
	vocab map[string]int
	words []string
}

// NewWordTokenizer returns an empty-vocabulary word tokenizer. ID 0 is the
// end-of-text token.
func NewWordTokenizer() *WordTokenizer {
	w := &WordTokenizer{vocab: make(map[string]int)}
	w.id(w.EndOfTextToken())
	return w
}

func (*WordTokenizer) Name() string           { return WordTokenizerName }
func (*WordTokenizer) EndOfTextToken() string { return "<|endoftext|>" }
func (*WordTokenizer) PrefixToken() string    { return "<|endoftext|>" }

func (w *WordTokenizer) Tokenize(text string) []Token {
	pieces := splitWords(text)
	tokens := make([]Token, len(pieces))
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, p := range pieces {
		tokens[i] = Token{Value: p, ID: w.id(p)}
	}
	return tokens
}

func (w *WordTokenizer) Decode(ids []int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(w.words) {
			return "", fmt.Errorf("unknown word token id %d", id)
		}
		sb.WriteString(w.words[id])
	}
	return sb.String(), nil
}

// id must be called with w.mu held (or during construction).
func (w *WordTokenizer) id(piece string) int {
	if id, ok := w.vocab[piece]; ok {
		return id
	}
	id := len(w.words)
	w.vocab[piece] = id
	w.words = append(w.words, piece)
	return id
}

func splitWords(text string) []string {
	var out []string
	runes := []rune(text)
	i := 0
	for i < len(runes) {
		start := i
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		if i == len(runes) {
			out = append(out, string(runes[start:]))
			break
		}
		if isWordRune(runes[i]) {
			for i < len(runes) && isWordRune(runes[i]) {
				i++
			}
		} else {
			i++
		}
		out = append(out, string(runes[start:i]))
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '\''
}
