package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"drover/internal/logging"
)

const (
	defaultClaudeBaseURL  = "https://api.anthropic.com/v1"
	claudeAPIVersion      = "2023-06-01"
	claudeMessagesPath    = "/messages"
	claudeDefaultMaxToken = 4096
)

var claudePricing = map[string]pricing{
	"claude-sonnet-4-5":  {inPerMTok: 3, outPerMTok: 15},
	"claude-opus-4-1":    {inPerMTok: 15, outPerMTok: 75},
	"claude-3-5-haiku":   {inPerMTok: 0.8, outPerMTok: 4},
	"claude-3-7-sonnet":  {inPerMTok: 3, outPerMTok: 15},
}

// claudeClient speaks the Anthropic messages API.
type claudeClient struct {
	baseClient
}

// NewClaudeClient builds the claude provider client.
func NewClaudeClient(config Config, logger logging.Logger) Client {
	return &claudeClient{
		baseClient: newBaseClient("claude", config, defaultClaudeBaseURL, logger),
	}
}

func (c *claudeClient) Name() string { return "claude" }

func (c *claudeClient) Models() []string {
	models := make([]string, 0, len(claudePricing))
	for m := range claudePricing {
		models = append(models, m)
	}
	return models
}

func (c *claudeClient) Execute(ctx context.Context, req Request) (*Response, error) {
	model := c.resolveModel(req.Model)
	if err := requireModel(c.name, model); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claudeDefaultMaxToken
	}

	// The messages API takes the system prompt out-of-band.
	var system string
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	payload := map[string]any{
		"model":       model,
		"max_tokens":  maxTokens,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if system != "" {
		payload["system"] = system
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}

	start := time.Now()
	raw, err := c.doPost(ctx, c.baseURL+claudeMessagesPath, payload, func(r *http.Request) {
		if c.apiKey != "" {
			r.Header.Set("x-api-key", c.apiKey)
		}
		r.Header.Set("anthropic-version", claudeAPIVersion)
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := decodeBody(c.name, raw, &decoded); err != nil {
		return nil, err
	}

	var text string
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" && len(decoded.Content) == 0 {
		return nil, NewError(c.name, KindProviderUnavailable, "empty completion",
			fmt.Errorf("no content blocks in response"))
	}

	return &Response{
		Provider:  c.name,
		Model:     model,
		Text:      text,
		TokensIn:  decoded.Usage.InputTokens,
		TokensOut: decoded.Usage.OutputTokens,
		CostUSD:   c.CostEstimate(decoded.Usage.InputTokens, decoded.Usage.OutputTokens, model),
		LatencyMs: float64(time.Since(start).Milliseconds()),
		Raw:       raw,
	}, nil
}

func (c *claudeClient) CostEstimate(tokensIn, tokensOut int64, model string) float64 {
	return estimateCost(claudePricing, claudePricing["claude-sonnet-4-5"], tokensIn, tokensOut, model)
}
