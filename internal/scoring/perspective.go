package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ferro-labs/model-proxy/internal/proxyerr"
)

const defaultPerspectiveURL = "https://commentanalyzer.googleapis.com/v1alpha1"

// PerspectiveOptions configures the Perspective client. APIKey is sent as
// the key query parameter; AccessToken, when set, authenticates with an
// OAuth2 bearer token instead.
type PerspectiveOptions struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// PerspectiveClient scores texts with the Perspective comment analyzer.
type PerspectiveClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewPerspective creates a Perspective client.
func NewPerspective(opts PerspectiveOptions) *PerspectiveClient {
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: opts.Timeout}
	}
	httpClient := base
	if opts.AccessToken != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: opts.AccessToken,
			TokenType:   "Bearer",
		}))
		httpClient.Timeout = base.Timeout
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultPerspectiveURL
	}
	return &PerspectiveClient{baseURL: baseURL, apiKey: opts.APIKey, httpClient: httpClient}
}

type analyzeRequest struct {
	Comment struct {
		Text string `json:"text"`
	} `json:"comment"`
	RequestedAttributes map[string]struct{} `json:"requestedAttributes"`
	Languages           []string            `json:"languages,omitempty"`
	DoNotStore          bool                `json:"doNotStore"`
}

type analyzeResponse struct {
	AttributeScores map[string]struct {
		SummaryScore struct {
			Value float64 `json:"value"`
		} `json:"summaryScore"`
	} `json:"attributeScores"`
}

// Score analyzes every text of req. Any failed text fails the batch.
func (c *PerspectiveClient) Score(ctx context.Context, req ToxicityRequest) (*ToxicityResult, error) {
	attrs := req.Attributes
	if len(attrs) == 0 {
		attrs = DefaultAttributes
	}
	result := &ToxicityResult{Success: true, Scores: make(map[string]map[string]float64, len(req.Texts))}
	for _, text := range req.Texts {
		if _, done := result.Scores[text]; done {
			continue
		}
		scores, err := c.analyze(ctx, text, attrs, req.Languages)
		if err != nil {
			return nil, err
		}
		result.Scores[text] = scores
	}
	return result, nil
}

func (c *PerspectiveClient) analyze(ctx context.Context, text string, attrs, languages []string) (map[string]float64, error) {
	body := analyzeRequest{
		RequestedAttributes: make(map[string]struct{}, len(attrs)),
		Languages:           languages,
		DoNotStore:          true,
	}
	body.Comment.Text = text
	for _, a := range attrs {
		body.RequestedAttributes[a] = struct{}{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal perspective request: %w", err)
	}

	endpoint := c.baseURL + "/comments:analyze"
	if c.apiKey != "" {
		endpoint += "?key=" + url.QueryEscape(c.apiKey)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, proxyerr.Upstream("perspective", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, proxyerr.Upstream("perspective", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamStatus("perspective", resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	var out analyzeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, proxyerr.Upstream("perspective", fmt.Errorf("decode response: %w", err))
	}
	scores := make(map[string]float64, len(out.AttributeScores))
	for name, s := range out.AttributeScores {
		scores[name] = s.SummaryScore.Value
	}
	return scores, nil
}
