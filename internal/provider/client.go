// Package provider defines the LLM provider client abstraction, the HTTP
// clients for claude/openai/gemini, and the registry with per-provider
// concurrency limits.
package provider

import "context"

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Response is a successful provider completion.
type Response struct {
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Text      string  `json:"text"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	LatencyMs float64 `json:"latency_ms"`
	Raw       []byte  `json:"-"`
}

// Client is implemented by every LLM provider. Execute honors ctx
// cancellation and returns a *Error on failure.
type Client interface {
	Name() string
	Models() []string
	Execute(ctx context.Context, req Request) (*Response, error)
	CostEstimate(tokensIn, tokensOut int64, model string) float64
}

// Config carries per-provider settings from the configuration document.
type Config struct {
	Enabled          bool   `mapstructure:"enabled"`
	APIKeyEnv        string `mapstructure:"api_key_env"`
	BaseURL          string `mapstructure:"base_url"`
	DefaultModel     string `mapstructure:"default_model"`
	ConcurrencyLimit int    `mapstructure:"concurrency_limit"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
}
