package providers

import (
	"context"
	"slices"
	"strings"
	"time"
)

// SimpleProvider is a deterministic local backend for the "simple"
// organization. It answers with the prompt's words in reverse order, which
// makes it useful for development and tests without network access.
type SimpleProvider struct {
	Base
}

// NewSimple creates the simple provider.
func NewSimple() *SimpleProvider {
	return NewSimpleNamed("simple")
}

// NewSimpleNamed creates a simple provider registered under name.
func NewSimpleNamed(name string) *SimpleProvider {
	return &SimpleProvider{Base: Base{name: name}}
}

// Complete produces NumCompletions identical completions of at most
// MaxTokens words.
func (p *SimpleProvider) Complete(ctx context.Context, req Request) (*RequestResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	req = req.WithDefaults()

	words := strings.Fields(req.Prompt)
	slices.Reverse(words)
	if len(words) > req.MaxTokens {
		words = words[:req.MaxTokens]
	}
	text := strings.Join(words, " ")
	if text != "" {
		text = " " + text
	}
	if req.EchoPrompt {
		text = req.Prompt + text
	}

	finish := "length"
	if len(words) < req.MaxTokens {
		finish = "stop"
	}
	completions := make([]Completion, req.NumCompletions)
	for i := range completions {
		completions[i] = completionFromText(text, finish)
	}
	return &RequestResult{
		Success:     true,
		Completions: completions,
		RequestTime: time.Since(start).Seconds(),
		Usage: Usage{
			PromptTokens:     len(strings.Fields(req.Prompt)),
			CompletionTokens: len(words) * req.NumCompletions,
		},
	}, nil
}
