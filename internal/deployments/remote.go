package deployments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ferro-labs/model-proxy/internal/logging"
)

// RemoteDeployment is a deployment served by another proxy, as published on
// its /api/deployments endpoint.
type RemoteDeployment struct {
	Name                                string `json:"name"`
	TokenizerName                       string `json:"tokenizer_name"`
	MaxSequenceLength                   int    `json:"max_sequence_length"`
	MaxRequestLength                    int    `json:"max_request_length"`
	MaxSequenceAndGeneratedTokensLength int    `json:"max_sequence_and_generated_tokens_length,omitempty"`
	EndOfTextToken                      string `json:"end_of_text_token"`
	PrefixToken                         string `json:"prefix_token"`
}

// RemoteRegistry lazily fetches and caches the deployments of a remote proxy.
type RemoteRegistry struct {
	baseURL string
	apiKey  string
	client  *http.Client
	ttl     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	entries   map[string]RemoteDeployment
	fetchedAt time.Time
}

// NewRemoteRegistry creates a registry for the proxy at baseURL. A zero ttl
// fetches once and never refreshes.
func NewRemoteRegistry(baseURL, apiKey string, timeout, ttl time.Duration) *RemoteRegistry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		ttl:     ttl,
		now:     time.Now,
	}
}

// LookupRemote returns the named remote deployment. Fetch failures are logged
// and reported as absent; previously fetched entries are kept.
func (r *RemoteRegistry) LookupRemote(name string) (RemoteDeployment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stale() {
		ctx, cancel := context.WithTimeout(context.Background(), r.client.Timeout)
		entries, err := r.fetch(ctx)
		cancel()
		if err != nil {
			logging.Logger.Warn("remote deployment fetch failed", "base_url", r.baseURL, "error", err)
		} else {
			r.entries = entries
			r.fetchedAt = r.now()
		}
	}
	d, ok := r.entries[name]
	return d, ok
}

// Refresh forces a fetch from the remote proxy.
func (r *RemoteRegistry) Refresh(ctx context.Context) error {
	entries, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.entries = entries
	r.fetchedAt = r.now()
	r.mu.Unlock()
	return nil
}

func (r *RemoteRegistry) stale() bool {
	if r.entries == nil {
		return true
	}
	return r.ttl > 0 && r.now().Sub(r.fetchedAt) > r.ttl
}

func (r *RemoteRegistry) fetch(ctx context.Context) (map[string]RemoteDeployment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/deployments", nil)
	if err != nil {
		return nil, fmt.Errorf("create remote deployments request: %w", err)
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote deployments request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read remote deployments response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote deployments request returned %d: %s", resp.StatusCode, string(body))
	}

	var list []RemoteDeployment
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("parse remote deployments: %w", err)
	}
	entries := make(map[string]RemoteDeployment, len(list))
	for _, d := range list {
		if d.Name != "" {
			entries[d.Name] = d
		}
	}
	return entries, nil
}
