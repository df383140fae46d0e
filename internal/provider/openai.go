package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"drover/internal/logging"
)

const (
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	openAICompletionsPath   = "/chat/completions"
)

var openAIPricing = map[string]pricing{
	"gpt-4o":      {inPerMTok: 2.5, outPerMTok: 10},
	"gpt-4o-mini": {inPerMTok: 0.15, outPerMTok: 0.6},
	"gpt-4.1":     {inPerMTok: 2, outPerMTok: 8},
	"o3-mini":     {inPerMTok: 1.1, outPerMTok: 4.4},
}

// openAIClient speaks the OpenAI chat completions API.
type openAIClient struct {
	baseClient
}

// NewOpenAIClient builds the openai provider client.
func NewOpenAIClient(config Config, logger logging.Logger) Client {
	return &openAIClient{
		baseClient: newBaseClient("openai", config, defaultOpenAIBaseURL, logger),
	}
}

func (c *openAIClient) Name() string { return "openai" }

func (c *openAIClient) Models() []string {
	models := make([]string, 0, len(openAIPricing))
	for m := range openAIPricing {
		models = append(models, m)
	}
	return models
}

func (c *openAIClient) Execute(ctx context.Context, req Request) (*Response, error) {
	model := c.resolveModel(req.Model)
	if err := requireModel(c.name, model); err != nil {
		return nil, err
	}

	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}

	start := time.Now()
	raw, err := c.doPost(ctx, c.baseURL+openAICompletionsPath, payload, func(r *http.Request) {
		if c.apiKey != "" {
			r.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := decodeBody(c.name, raw, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Choices) == 0 {
		return nil, NewError(c.name, KindProviderUnavailable, "empty completion",
			fmt.Errorf("no choices in response"))
	}

	return &Response{
		Provider:  c.name,
		Model:     model,
		Text:      decoded.Choices[0].Message.Content,
		TokensIn:  decoded.Usage.PromptTokens,
		TokensOut: decoded.Usage.CompletionTokens,
		CostUSD:   c.CostEstimate(decoded.Usage.PromptTokens, decoded.Usage.CompletionTokens, model),
		LatencyMs: float64(time.Since(start).Milliseconds()),
		Raw:       raw,
	}, nil
}

func (c *openAIClient) CostEstimate(tokensIn, tokensOut int64, model string) float64 {
	return estimateCost(openAIPricing, openAIPricing["gpt-4o"], tokensIn, tokensOut, model)
}
