package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"drover/internal/logging"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var geminiPricing = map[string]pricing{
	"gemini-2.0-flash": {inPerMTok: 0.1, outPerMTok: 0.4},
	"gemini-2.5-pro":   {inPerMTok: 1.25, outPerMTok: 10},
	"gemini-1.5-pro":   {inPerMTok: 1.25, outPerMTok: 5},
}

// geminiClient speaks the Gemini generateContent API.
type geminiClient struct {
	baseClient
}

// NewGeminiClient builds the gemini provider client.
func NewGeminiClient(config Config, logger logging.Logger) Client {
	return &geminiClient{
		baseClient: newBaseClient("gemini", config, defaultGeminiBaseURL, logger),
	}
}

func (c *geminiClient) Name() string { return "gemini" }

func (c *geminiClient) Models() []string {
	models := make([]string, 0, len(geminiPricing))
	for m := range geminiPricing {
		models = append(models, m)
	}
	return models
}

func (c *geminiClient) Execute(ctx context.Context, req Request) (*Response, error) {
	model := c.resolveModel(req.Model)
	if err := requireModel(c.name, model); err != nil {
		return nil, err
	}

	// Gemini separates system instructions and uses "model" for the
	// assistant role.
	var systemParts []map[string]string
	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, map[string]string{"text": m.Content})
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
	}

	generationConfig := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		generationConfig["maxOutputTokens"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		generationConfig["stopSequences"] = req.Stop
	}

	payload := map[string]any{
		"contents":         contents,
		"generationConfig": generationConfig,
	}
	if len(systemParts) > 0 {
		payload["systemInstruction"] = map[string]any{"parts": systemParts}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	start := time.Now()
	raw, err := c.doPost(ctx, endpoint, payload, func(r *http.Request) {
		if c.apiKey != "" {
			r.Header.Set("x-goog-api-key", c.apiKey)
		}
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := decodeBody(c.name, raw, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Candidates) == 0 {
		return nil, NewError(c.name, KindProviderUnavailable, "empty completion",
			fmt.Errorf("no candidates in response"))
	}

	var text strings.Builder
	for _, part := range decoded.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return &Response{
		Provider:  c.name,
		Model:     model,
		Text:      text.String(),
		TokensIn:  decoded.UsageMetadata.PromptTokenCount,
		TokensOut: decoded.UsageMetadata.CandidatesTokenCount,
		CostUSD:   c.CostEstimate(decoded.UsageMetadata.PromptTokenCount, decoded.UsageMetadata.CandidatesTokenCount, model),
		LatencyMs: float64(time.Since(start).Milliseconds()),
		Raw:       raw,
	}, nil
}

func (c *geminiClient) CostEstimate(tokensIn, tokensOut int64, model string) float64 {
	return estimateCost(geminiPricing, geminiPricing["gemini-2.0-flash"], tokensIn, tokensOut, model)
}
