package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"drover/internal/logging"
)

const defaultCallTimeout = 120 * time.Second

// pricing is USD per million tokens.
type pricing struct {
	inPerMTok  float64
	outPerMTok float64
}

func (p pricing) cost(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1e6*p.inPerMTok + float64(tokensOut)/1e6*p.outPerMTok
}

// baseClient holds fields and helpers shared by the HTTP-based provider
// clients.
type baseClient struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	logger       logging.Logger
}

func newBaseClient(name string, config Config, defaultBaseURL string, logger logging.Logger) baseClient {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := defaultCallTimeout
	if config.TimeoutSeconds > 0 {
		timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	apiKey := ""
	if config.APIKeyEnv != "" {
		apiKey = os.Getenv(config.APIKeyEnv)
	}
	return baseClient{
		name:         name,
		apiKey:       apiKey,
		baseURL:      baseURL,
		defaultModel: config.DefaultModel,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logging.OrNop(logger),
	}
}

// doPost sends a JSON POST and returns the response body. Failures come back
// classified as *Error. decorate sets provider-specific headers (auth).
func (c *baseClient) doPost(ctx context.Context, endpoint string, payload any, decorate func(*http.Request)) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(c.name, KindInvalidRequest, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(c.name, KindInvalidRequest, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(httpReq)
	}

	c.logger.Debug("[%s] POST %s (%d bytes)", c.name, endpoint, len(body))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, classifyTransport(c.name, ctxErr)
		}
		return nil, classifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(c.name, KindProviderUnavailable, "read response", err)
	}
	c.logger.Debug("[%s] status %d (%d bytes)", c.name, resp.StatusCode, len(respBody))

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTP(c.name, resp.StatusCode, string(respBody), parseRetryAfter(resp.Header))
	}
	return respBody, nil
}

func parseRetryAfter(header http.Header) int {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds >= 0 {
		return seconds
	}
	if at, err := http.ParseTime(raw); err == nil {
		if wait := time.Until(at); wait > 0 {
			return int(wait.Seconds()) + 1
		}
	}
	return 0
}

// resolveModel falls back to the configured default model.
func (c *baseClient) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	return c.defaultModel
}

// estimateCost looks up the model's pricing, falling back to the first table
// entry's rates for unknown models so cost stays monotonic rather than zero.
func estimateCost(table map[string]pricing, fallback pricing, tokensIn, tokensOut int64, model string) float64 {
	if p, ok := table[model]; ok {
		return p.cost(tokensIn, tokensOut)
	}
	return fallback.cost(tokensIn, tokensOut)
}

func decodeBody(providerName string, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return NewError(providerName, KindProviderUnavailable, "decode response", err)
	}
	return nil
}

func requireModel(providerName, model string) error {
	if model == "" {
		return NewError(providerName, KindInvalidRequest, "no model requested and no default configured",
			fmt.Errorf("empty model"))
	}
	return nil
}
