package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// bedrockInvoker is the subset of the Bedrock runtime client used here.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockOptions configures the Bedrock provider. Empty credentials fall
// back to the default AWS credential chain.
type BedrockOptions struct {
	Name            string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// BedrockProvider serves Anthropic Claude, Amazon Titan and Meta Llama
// models through the Bedrock runtime InvokeModel API. The request engine is
// the Bedrock model ID.
type BedrockProvider struct {
	Base
	client bedrockInvoker
	region string
}

// NewBedrock creates a Bedrock provider. Region defaults to us-east-1.
func NewBedrock(ctx context.Context, opts BedrockOptions) (*BedrockProvider, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.Name == "" {
		opts.Name = "bedrock"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		Base:   Base{name: opts.Name},
		client: bedrockruntime.NewFromConfig(cfg),
		region: opts.Region,
	}, nil
}

// BaseURL returns the regional runtime endpoint.
func (p *BedrockProvider) BaseURL() string {
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", p.region)
}

type bedrockAnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string                    `json:"anthropic_version"`
	MaxTokens        int                       `json:"max_tokens"`
	Messages         []bedrockAnthropicMessage `json:"messages"`
	Temperature      float64                   `json:"temperature"`
	TopP             float64                   `json:"top_p"`
	StopSequences    []string                  `json:"stop_sequences,omitempty"`
}

type bedrockAnthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type bedrockTitanRequest struct {
	InputText            string `json:"inputText"`
	TextGenerationConfig struct {
		MaxTokenCount int      `json:"maxTokenCount,omitempty"`
		Temperature   float64  `json:"temperature"`
		TopP          float64  `json:"topP"`
		StopSequences []string `json:"stopSequences,omitempty"`
	} `json:"textGenerationConfig"`
}

type bedrockTitanResponse struct {
	InputTextTokenCount int `json:"inputTextTokenCount"`
	Results             []struct {
		TokenCount       int    `json:"tokenCount"`
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
	} `json:"results"`
}

type bedrockLlamaRequest struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len,omitempty"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type bedrockLlamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

// Complete invokes the model once per requested completion; InvokeModel
// returns a single sequence per call.
func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*RequestResult, error) {
	start := time.Now()
	req = req.WithDefaults()
	modelID := req.Engine()

	var invoke func(context.Context, string, Request) (Completion, Usage, error)
	switch {
	case strings.HasPrefix(modelID, "anthropic."):
		invoke = p.completeAnthropic
	case strings.HasPrefix(modelID, "amazon.titan"):
		invoke = p.completeTitan
	case strings.HasPrefix(modelID, "meta.llama"):
		invoke = p.completeLlama
	default:
		return nil, fmt.Errorf("unsupported Bedrock model prefix for model: %s", modelID)
	}

	result := &RequestResult{Success: true}
	for i := 0; i < req.NumCompletions; i++ {
		c, usage, err := invoke(ctx, modelID, req)
		if err != nil {
			return nil, err
		}
		if req.EchoPrompt {
			c.Text = req.Prompt + c.Text
		}
		result.Completions = append(result.Completions, c)
		result.Usage.PromptTokens = usage.PromptTokens
		result.Usage.CompletionTokens += usage.CompletionTokens
	}
	result.RequestTime = time.Since(start).Seconds()
	return result, nil
}

func (p *BedrockProvider) invoke(ctx context.Context, modelID string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return fmt.Errorf("bedrock invoke failed: %w", err)
	}
	if err := json.Unmarshal(output.Body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (p *BedrockProvider) completeAnthropic(ctx context.Context, modelID string, req Request) (Completion, Usage, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	var resp bedrockAnthropicResponse
	err := p.invoke(ctx, modelID, bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         []bedrockAnthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSequences:    req.StopSequences,
	}, &resp)
	if err != nil {
		return Completion{}, Usage{}, err
	}
	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return completionFromText(sb.String(), resp.StopReason),
		Usage{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens}, nil
}

func (p *BedrockProvider) completeTitan(ctx context.Context, modelID string, req Request) (Completion, Usage, error) {
	body := bedrockTitanRequest{InputText: req.Prompt}
	body.TextGenerationConfig.MaxTokenCount = req.MaxTokens
	body.TextGenerationConfig.Temperature = req.Temperature
	body.TextGenerationConfig.TopP = req.TopP
	body.TextGenerationConfig.StopSequences = req.StopSequences

	var resp bedrockTitanResponse
	if err := p.invoke(ctx, modelID, body, &resp); err != nil {
		return Completion{}, Usage{}, err
	}
	if len(resp.Results) == 0 {
		return Completion{}, Usage{}, fmt.Errorf("bedrock titan returned no results")
	}
	r := resp.Results[0]
	return completionFromText(r.OutputText, r.CompletionReason),
		Usage{PromptTokens: resp.InputTextTokenCount, CompletionTokens: r.TokenCount}, nil
}

func (p *BedrockProvider) completeLlama(ctx context.Context, modelID string, req Request) (Completion, Usage, error) {
	var resp bedrockLlamaResponse
	err := p.invoke(ctx, modelID, bedrockLlamaRequest{
		Prompt:      req.Prompt,
		MaxGenLen:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}, &resp)
	if err != nil {
		return Completion{}, Usage{}, err
	}
	return completionFromText(resp.Generation, resp.StopReason),
		Usage{PromptTokens: resp.PromptTokenCount, CompletionTokens: resp.GenerationTokenCount}, nil
}
