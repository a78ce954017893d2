package providers

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider serves requests through the OpenAI chat completions API.
// The prompt is sent as a single user message.
type OpenAIProvider struct {
	Base
	client openai.Client
}

// NewOpenAI creates an OpenAI provider registered under name ("openai" when
// empty). baseURL overrides the API endpoint for compatible servers.
func NewOpenAI(name, apiKey, baseURL string) (*OpenAIProvider, error) {
	if name == "" {
		name = "openai"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		Base:   Base{name: name, baseURL: baseURL},
		client: openai.NewClient(opts...),
	}, nil
}

// Complete sends req as a chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*RequestResult, error) {
	start := time.Now()
	req = req.WithDefaults()

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(req.Prompt)},
		Model:    req.Engine(),
	}
	applyOpenAIParams(&params, req)

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}

	result := &RequestResult{
		Success:     true,
		RequestTime: time.Since(start).Seconds(),
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, choice := range completion.Choices {
		text := choice.Message.Content
		if req.EchoPrompt {
			text = req.Prompt + text
		}
		var c Completion
		if len(choice.Logprobs.Content) > 0 {
			c = Completion{Text: text, FinishReason: choice.FinishReason}
			for _, lp := range choice.Logprobs.Content {
				c.Tokens = append(c.Tokens, Token{Text: lp.Token, Logprob: lp.Logprob})
				c.Logprob += lp.Logprob
			}
		} else {
			c = completionFromText(text, choice.FinishReason)
		}
		result.Completions = append(result.Completions, c)
	}
	return result, nil
}

// applyOpenAIParams maps generation parameters onto the SDK params struct.
func applyOpenAIParams(params *openai.ChatCompletionNewParams, req Request) {
	params.Temperature = openai.Float(req.Temperature)
	params.TopP = openai.Float(req.TopP)
	params.N = openai.Int(int64(req.NumCompletions))
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = openai.Float(req.PresencePenalty)
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openai.Float(req.FrequencyPenalty)
	}
	if req.TopKPerToken > 1 {
		params.Logprobs = openai.Bool(true)
		params.TopLogprobs = openai.Int(int64(min(req.TopKPerToken, 20)))
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.StopSequences,
		}
	}
}
