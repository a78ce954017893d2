// Package tokenizers provides the tokenizer registry behind the proxy's
// tokenize and decode passthroughs and the window services.
package tokenizers

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ferro-labs/model-proxy/internal/proxyerr"
)

// Token is one tokenizer output unit.
type Token struct {
	Value string `json:"value"`
	ID    int    `json:"id"`
}

// TokenizationRequest asks a tokenizer to split text.
type TokenizationRequest struct {
	Text       string `json:"text"`
	Tokenizer  string `json:"tokenizer"`
	Encode     bool   `json:"encode,omitempty"`
	Truncation bool   `json:"truncation,omitempty"`
	MaxLength  int    `json:"max_length,omitempty"`
}

// TokenizationResult is the tokenizer output.
type TokenizationResult struct {
	Success bool    `json:"success"`
	Cached  bool    `json:"cached"`
	Text    string  `json:"text"`
	Tokens  []Token `json:"tokens"`
	Error   string  `json:"error,omitempty"`
}

// IDs returns the token IDs.
func (r *TokenizationResult) IDs() []int {
	ids := make([]int, len(r.Tokens))
	for i, t := range r.Tokens {
		ids[i] = t.ID
	}
	return ids
}

// Values returns the token strings.
func (r *TokenizationResult) Values() []string {
	out := make([]string, len(r.Tokens))
	for i, t := range r.Tokens {
		out[i] = t.Value
	}
	return out
}

// DecodeRequest asks a tokenizer to turn IDs back into text.
type DecodeRequest struct {
	Tokens    []int  `json:"tokens"`
	Tokenizer string `json:"tokenizer"`
}

// DecodeResult is the decoded text.
type DecodeResult struct {
	Success bool   `json:"success"`
	Cached  bool   `json:"cached"`
	Text    string `json:"text"`
	Error   string `json:"error,omitempty"`
}

// Tokenizer is implemented by every tokenizer the registry can serve.
type Tokenizer interface {
	Name() string
	Tokenize(text string) []Token
	Decode(ids []int) (string, error)
	EndOfTextToken() string
	PrefixToken() string
}

// Registry maps tokenizer names to implementations.
type Registry struct {
	mu         sync.RWMutex
	tokenizers map[string]Tokenizer
}

// NewRegistry creates a registry holding tokenizers.
func NewRegistry(tokenizers ...Tokenizer) *Registry {
	r := &Registry{tokenizers: make(map[string]Tokenizer, len(tokenizers))}
	for _, t := range tokenizers {
		r.Register(t)
	}
	return r
}

// Defaults returns a registry with the built-in tokenizers.
func Defaults() *Registry {
	return NewRegistry(NewByteTokenizer(), NewWordTokenizer())
}

// Register adds or replaces a tokenizer.
func (r *Registry) Register(t Tokenizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenizers[t.Name()] = t
}

// Get returns the named tokenizer.
func (r *Registry) Get(name string) (Tokenizer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokenizers[name]
	return t, ok
}

// Names lists the registered tokenizer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tokenizers))
	for name := range r.tokenizers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

func (r *Registry) lookup(name string) (Tokenizer, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, proxyerr.Configuration("unknown tokenizer %q", name)
	}
	return t, nil
}

// Tokenize runs req against the named tokenizer, truncating to MaxLength
// tokens when requested.
func (r *Registry) Tokenize(req TokenizationRequest) (*TokenizationResult, error) {
	t, err := r.lookup(req.Tokenizer)
	if err != nil {
		return nil, err
	}
	tokens := t.Tokenize(req.Text)
	if req.Truncation && req.MaxLength >= 0 && len(tokens) > req.MaxLength {
		tokens = tokens[:req.MaxLength]
	}
	return &TokenizationResult{Success: true, Text: req.Text, Tokens: tokens}, nil
}

// Decode runs req against the named tokenizer.
func (r *Registry) Decode(req DecodeRequest) (*DecodeResult, error) {
	t, err := r.lookup(req.Tokenizer)
	if err != nil {
		return nil, err
	}
	text, err := t.Decode(req.Tokens)
	if err != nil {
		return nil, fmt.Errorf("decode with %s: %w", req.Tokenizer, err)
	}
	return &DecodeResult{Success: true, Text: text}, nil
}
