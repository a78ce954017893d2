package tokencounter

import (
	"testing"

	"github.com/ferro-labs/model-proxy/internal/deployments"
	"github.com/ferro-labs/model-proxy/internal/tokenizers"
	"github.com/ferro-labs/model-proxy/providers"
)

func newCounter(t *testing.T) *AutoCounter {
	t.Helper()
	reg, err := deployments.NewRegistry(deployments.ModelDeployment{
		Name:              "simple/model1",
		TokenizerName:     tokenizers.WordTokenizerName,
		MaxSequenceLength: 128,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewAutoCounter(tokenizers.Defaults(), reg)
}

func TestCount(t *testing.T) {
	c := newCounter(t)
	tests := []struct {
		name        string
		req         providers.Request
		completions []providers.Completion
		want        int64
	}{
		{
			name: "tokenized prompt and completion text",
			req:  providers.Request{Model: "simple/model1", Prompt: "one two three"},
			completions: []providers.Completion{
				{Text: " four five"},
			},
			want: 5,
		},
		{
			name: "completion token detail wins",
			req:  providers.Request{Model: "simple/model1", Prompt: "one"},
			completions: []providers.Completion{
				{Text: "ignored text here", Tokens: []providers.Token{{Text: "a"}, {Text: "b"}}},
				{Text: " x"},
			},
			want: 4,
		},
		{
			name: "unknown deployment falls back to heuristic",
			req:  providers.Request{Model: "openai/gpt-4o", Prompt: "abcdefgh"},
			completions: []providers.Completion{
				{Text: "abcd"},
			},
			want: 3,
		},
		{
			name: "empty",
			req:  providers.Request{Model: "openai/gpt-4o"},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Count(tt.req, tt.completions); got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEstimate(t *testing.T) {
	c := newCounter(t)
	tests := []struct {
		name string
		req  providers.Request
		want int64
	}{
		{"prompt only, max tokens ignored", providers.Request{Model: "simple/model1", Prompt: "a b c", MaxTokens: 10}, 3},
		{"multiple completions", providers.Request{Model: "simple/model1", Prompt: "a b", MaxTokens: 4, NumCompletions: 3}, 2},
		{"echo charges prompt per completion", providers.Request{Model: "simple/model1", Prompt: "a b", MaxTokens: 1, NumCompletions: 2, EchoPrompt: true}, 6},
		{"heuristic prompt", providers.Request{Model: "other/m", Prompt: "abcdefgh", MaxTokens: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Estimate(tt.req); got != tt.want {
				t.Errorf("Estimate() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNilSources(t *testing.T) {
	c := NewAutoCounter(nil, nil)
	if got := c.Count(providers.Request{Prompt: "abcd"}, nil); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}
