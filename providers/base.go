package providers

import "strings"

// Base holds the fields shared by provider implementations.
type Base struct {
	name    string
	baseURL string
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// BaseURL returns the provider base URL, empty when the SDK picks it.
func (b *Base) BaseURL() string { return b.baseURL }

// completionFromText builds a completion whose tokens are the whitespace
// separated words of text, for backends that report no token detail.
func completionFromText(text, finishReason string) Completion {
	fields := strings.Fields(text)
	tokens := make([]Token, len(fields))
	for i, f := range fields {
		if i > 0 {
			f = " " + f
		}
		tokens[i] = Token{Text: f}
	}
	return Completion{Text: text, Tokens: tokens, FinishReason: finishReason}
}
