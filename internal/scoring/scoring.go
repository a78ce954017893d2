// Package scoring calls the auxiliary content-scoring services the proxy
// fronts: Perspective toxicity analysis and OpenAI moderation.
package scoring

import (
	"net/http"

	"github.com/ferro-labs/model-proxy/internal/proxyerr"
	"github.com/ferro-labs/model-proxy/internal/retry"
)

// Perspective attribute names requested when a request names none.
var DefaultAttributes = []string{
	"TOXICITY",
	"SEVERE_TOXICITY",
	"IDENTITY_ATTACK",
	"INSULT",
	"PROFANITY",
	"THREAT",
	"SEXUALLY_EXPLICIT",
	"FLIRTATION",
}

// ToxicityRequest asks for attribute scores of a batch of texts.
type ToxicityRequest struct {
	Texts      []string `json:"text_batch"`
	Attributes []string `json:"attributes,omitempty"`
	Languages  []string `json:"languages,omitempty"`
}

// ToxicityResult maps each input text to its attribute summary scores.
type ToxicityResult struct {
	Success bool                          `json:"success"`
	Cached  bool                          `json:"cached"`
	Scores  map[string]map[string]float64 `json:"text_to_toxicity_attributes"`
	Error   string                        `json:"error,omitempty"`
}

// ModerationRequest asks whether a text violates the moderation policy.
type ModerationRequest struct {
	Text string `json:"text"`
	// ReturnScores includes per-category scores in the result.
	ReturnScores bool `json:"return_moderation_scores"`
}

// ModerationResult is the moderation verdict for one text.
type ModerationResult struct {
	Success bool `json:"success"`
	Cached  bool `json:"cached"`
	Flagged bool `json:"flagged"`
	// Categories holds the flag of every category.
	Categories map[string]bool    `json:"flagged_results"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// upstreamStatus wraps a failed response from service. Client errors other
// than 429 fail the same way on every attempt and are marked permanent.
func upstreamStatus(service string, status int, err error) error {
	wrapped := proxyerr.Upstream(service, err)
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return retry.Permanent(wrapped)
	}
	return wrapped
}
