package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewOpenAI_DefaultName(t *testing.T) {
	p, err := NewOpenAI("", "sk-test-key", "")
	if err != nil {
		t.Fatalf("NewOpenAI() returned error: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", p.Name())
	}
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [
				{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "hello there"}},
				{"index": 1, "finish_reason": "length", "message": {"role": "assistant", "content": "hi"}}
			],
			"usage": {"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7}
		}`)
	}))
	defer srv.Close()

	p, err := NewOpenAI("openai", "sk-test", srv.URL)
	if err != nil {
		t.Fatalf("NewOpenAI() error: %v", err)
	}
	res, err := p.Complete(context.Background(), Request{
		Model:          "openai/gpt-4o-mini",
		Prompt:         "say hello",
		MaxTokens:      8,
		NumCompletions: 2,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if got["model"] != "gpt-4o-mini" {
		t.Errorf("model sent = %v, want gpt-4o-mini", got["model"])
	}
	if n, _ := got["n"].(float64); n != 2 {
		t.Errorf("n sent = %v, want 2", got["n"])
	}
	if len(res.Completions) != 2 {
		t.Fatalf("completions = %d, want 2", len(res.Completions))
	}
	if res.Completions[0].Text != "hello there" || res.Completions[0].FinishReason != "stop" {
		t.Errorf("first completion = %+v", res.Completions[0])
	}
	if len(res.Completions[0].Tokens) != 2 {
		t.Errorf("tokens = %d, want 2", len(res.Completions[0].Tokens))
	}
	if res.Usage.PromptTokens != 3 || res.Usage.CompletionTokens != 4 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestOpenAIProvider_CompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p, _ := NewOpenAI("openai", "sk-test", srv.URL)
	if _, err := p.Complete(context.Background(), Request{Model: "openai/nope", Prompt: "x"}); err == nil {
		t.Fatal("expected error from upstream 400")
	}
}
