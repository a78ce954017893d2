// Package providers defines the request and result types shared by the
// proxy and the backend adapters that serve them.
package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// Request is a completion request as submitted to the proxy.
type Request struct {
	// Model is "<organization>/<engine>", e.g. "openai/gpt-4o".
	Model string `json:"model"`
	// ModelDeployment optionally pins a deployment; it defaults to Model.
	ModelDeployment  string   `json:"model_deployment,omitempty"`
	Prompt           string   `json:"prompt"`
	Temperature      float64  `json:"temperature"`
	NumCompletions   int      `json:"num_completions"`
	TopKPerToken     int      `json:"top_k_per_token"`
	MaxTokens        int      `json:"max_tokens"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
	EchoPrompt       bool     `json:"echo_prompt"`
	TopP             float64  `json:"top_p"`
	PresencePenalty  float64  `json:"presence_penalty"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	// Random distinguishes otherwise identical requests in the result cache.
	Random string `json:"random,omitempty"`
}

// WithDefaults fills unset generation parameters.
func (r Request) WithDefaults() Request {
	if r.NumCompletions <= 0 {
		r.NumCompletions = 1
	}
	if r.TopKPerToken <= 0 {
		r.TopKPerToken = 1
	}
	if r.TopP == 0 {
		r.TopP = 1
	}
	return r
}

// Validate checks required fields and parameter ranges.
func (r Request) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if r.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	if r.NumCompletions < 0 {
		return errors.New("num_completions must not be negative")
	}
	if r.Temperature < 0 {
		return errors.New("temperature must not be negative")
	}
	if r.TopP < 0 || r.TopP > 1 {
		return errors.New("top_p must be within [0, 1]")
	}
	return nil
}

// Organization returns the part of Model before the first slash.
func (r Request) Organization() string {
	org, _, found := strings.Cut(r.Model, "/")
	if !found {
		return ""
	}
	return org
}

// Engine returns the part of Model after the first slash.
func (r Request) Engine() string {
	_, engine, found := strings.Cut(r.Model, "/")
	if !found {
		return r.Model
	}
	return engine
}

// DeploymentName returns the deployment serving this request.
func (r Request) DeploymentName() string {
	if r.ModelDeployment != "" {
		return r.ModelDeployment
	}
	return r.Model
}

// CacheKey is a stable digest of every field that affects the result.
func (r Request) CacheKey() string {
	data, _ := json.Marshal(r.WithDefaults())
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Token is a generated token with its log probability.
type Token struct {
	Text    string  `json:"text"`
	Logprob float64 `json:"logprob"`
}

// Completion is one generated sequence.
type Completion struct {
	Text         string  `json:"text"`
	Logprob      float64 `json:"logprob"`
	Tokens       []Token `json:"tokens"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Usage is the token usage reported by a backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// RequestResult is the outcome of a request. Cached reports that the result
// was served without invoking the backend.
type RequestResult struct {
	Success     bool         `json:"success"`
	Completions []Completion `json:"completions"`
	Cached      bool         `json:"cached"`
	RequestTime float64      `json:"request_time"`
	Usage       Usage        `json:"usage"`
	Error       string       `json:"error,omitempty"`
}

// Clone returns a deep copy of r.
func (r *RequestResult) Clone() *RequestResult {
	c := *r
	c.Completions = make([]Completion, len(r.Completions))
	for i, comp := range r.Completions {
		comp.Tokens = append([]Token(nil), comp.Tokens...)
		c.Completions[i] = comp
	}
	return &c
}

// Provider executes requests against one backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*RequestResult, error)
}
