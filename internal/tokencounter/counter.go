// Package tokencounter turns requests and their completions into billable
// token amounts.
package tokencounter

import (
	"strings"

	"github.com/ferro-labs/model-proxy/internal/deployments"
	"github.com/ferro-labs/model-proxy/internal/tokenizers"
	"github.com/ferro-labs/model-proxy/providers"
)

// Counter computes usage amounts for billing and admission.
type Counter interface {
	// Count is the amount charged for a dispatched request.
	Count(req providers.Request, completions []providers.Completion) int64
	// Estimate is the amount reserved at admission, before dispatch. It
	// must not exceed what Count later charges for the same request.
	Estimate(req providers.Request) int64
}

// DeploymentSource resolves deployment descriptors.
type DeploymentSource interface {
	Lookup(name string) (deployments.ModelDeployment, bool)
}

// AutoCounter counts with the tokenizer of the request's deployment and
// falls back to a length heuristic for models without one.
type AutoCounter struct {
	tokenizers  *tokenizers.Registry
	deployments DeploymentSource
}

// NewAutoCounter creates a counter. Either argument may be nil.
func NewAutoCounter(toks *tokenizers.Registry, deps DeploymentSource) *AutoCounter {
	return &AutoCounter{tokenizers: toks, deployments: deps}
}

// Count charges the prompt once plus every completion. Completions that
// carry token detail are counted by token, others are tokenized.
func (c *AutoCounter) Count(req providers.Request, completions []providers.Completion) int64 {
	tok := c.tokenizerFor(req)
	total := c.countText(tok, req.Prompt)
	for _, comp := range completions {
		if len(comp.Tokens) > 0 {
			total += int64(len(comp.Tokens))
			continue
		}
		total += c.countText(tok, comp.Text)
	}
	return total
}

// Estimate is the part of the charge known before dispatch: the prompt,
// plus the prompt again per completion when it is echoed. Generated tokens
// are unknown until the completions arrive, so MaxTokens is not counted.
func (c *AutoCounter) Estimate(req providers.Request) int64 {
	req = req.WithDefaults()
	prompt := c.countText(c.tokenizerFor(req), req.Prompt)
	if req.EchoPrompt {
		prompt += prompt * int64(req.NumCompletions)
	}
	return prompt
}

func (c *AutoCounter) tokenizerFor(req providers.Request) tokenizers.Tokenizer {
	if c.tokenizers == nil || c.deployments == nil {
		return nil
	}
	d, ok := c.deployments.Lookup(req.DeploymentName())
	if !ok {
		return nil
	}
	t, ok := c.tokenizers.Get(d.TokenizerName)
	if !ok {
		return nil
	}
	return t
}

func (c *AutoCounter) countText(tok tokenizers.Tokenizer, text string) int64 {
	if tok != nil {
		return int64(len(tok.Tokenize(text)))
	}
	return approxTokens(text)
}

// approxTokens estimates roughly four bytes per token.
func approxTokens(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	t := int64(len(s) / 4)
	if t < 1 {
		t = 1
	}
	return t
}
