package scoring

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ferro-labs/model-proxy/internal/proxyerr"
)

// DefaultModerationModel is used when ModerationOptions names no model.
const DefaultModerationModel = "omni-moderation-latest"

// ModerationOptions configures the moderation client.
type ModerationOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

// ModerationClient checks texts with the OpenAI moderation endpoint.
type ModerationClient struct {
	client openai.Client
	model  string
}

// NewModeration creates a moderation client. SDK retries are disabled;
// callers wrap Moderate with their own retry policy.
func NewModeration(opts ModerationOptions) *ModerationClient {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	model := opts.Model
	if model == "" {
		model = DefaultModerationModel
	}
	return &ModerationClient{client: openai.NewClient(reqOpts...), model: model}
}

// Moderate returns the moderation verdict for req.Text.
func (c *ModerationClient) Moderate(ctx context.Context, req ModerationRequest) (*ModerationResult, error) {
	resp, err := c.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(req.Text)},
		Model: openai.ModerationModel(c.model),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, upstreamStatus("openai-moderation", apiErr.StatusCode, err)
		}
		return nil, proxyerr.Upstream("openai-moderation", err)
	}
	if len(resp.Results) == 0 {
		return nil, proxyerr.Upstream("openai-moderation", errors.New("empty moderation result"))
	}

	m := resp.Results[0]
	cat, sc := m.Categories, m.CategoryScores
	result := &ModerationResult{
		Success: true,
		Flagged: m.Flagged,
		Categories: map[string]bool{
			"harassment":             cat.Harassment,
			"harassment/threatening": cat.HarassmentThreatening,
			"hate":                   cat.Hate,
			"hate/threatening":       cat.HateThreatening,
			"illicit":                cat.Illicit,
			"illicit/violent":        cat.IllicitViolent,
			"self-harm":              cat.SelfHarm,
			"self-harm/instructions": cat.SelfHarmInstructions,
			"self-harm/intent":       cat.SelfHarmIntent,
			"sexual":                 cat.Sexual,
			"sexual/minors":          cat.SexualMinors,
			"violence":               cat.Violence,
			"violence/graphic":       cat.ViolenceGraphic,
		},
	}
	if req.ReturnScores {
		result.Scores = map[string]float64{
			"harassment":             sc.Harassment,
			"harassment/threatening": sc.HarassmentThreatening,
			"hate":                   sc.Hate,
			"hate/threatening":       sc.HateThreatening,
			"illicit":                sc.Illicit,
			"illicit/violent":        sc.IllicitViolent,
			"self-harm":              sc.SelfHarm,
			"self-harm/instructions": sc.SelfHarmInstructions,
			"self-harm/intent":       sc.SelfHarmIntent,
			"sexual":                 sc.Sexual,
			"sexual/minors":          sc.SexualMinors,
			"violence":               sc.Violence,
			"violence/graphic":       sc.ViolenceGraphic,
		}
	}
	return result, nil
}
