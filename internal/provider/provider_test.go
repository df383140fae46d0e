package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	drovererrors "drover/internal/errors"
	"drover/internal/logging"
)

func TestClassifyHTTPKinds(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuthError},
		{http.StatusForbidden, KindAuthError},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusBadRequest, KindInvalidRequest},
		{http.StatusNotFound, KindInvalidRequest},
		{http.StatusUnprocessableEntity, KindInvalidRequest},
		{http.StatusInternalServerError, KindProviderUnavailable},
		{http.StatusBadGateway, KindProviderUnavailable},
	}
	for _, tt := range tests {
		err := classifyHTTP("claude", tt.status, "body", 0)
		assert.Equal(t, tt.kind, err.Kind, "status %d", tt.status)
	}

	rateLimited := classifyHTTP("claude", http.StatusTooManyRequests, "slow down", 7)
	assert.Equal(t, 7, rateLimited.RetryAfterSeconds)
	assert.True(t, rateLimited.Transient())
	assert.False(t, classifyHTTP("claude", http.StatusUnauthorized, "", 0).Transient())
}

func TestClassifyBridgesToRetryLayer(t *testing.T) {
	rateLimited := classifyHTTP("openai", http.StatusTooManyRequests, "", 3)
	wrapped := Classify(rateLimited)
	assert.True(t, drovererrors.IsTransient(wrapped))
	assert.Equal(t, 3, drovererrors.RetryAfterHint(wrapped))

	auth := classifyHTTP("openai", http.StatusUnauthorized, "", 0)
	assert.True(t, drovererrors.IsPermanent(Classify(auth)))

	cancelled := classifyTransport("openai", context.Canceled)
	assert.Equal(t, KindCancelled, cancelled.Kind)
	// Cancellation passes through unwrapped so callers can match the kind.
	assert.True(t, IsKind(Classify(cancelled), KindCancelled))
}

func TestParseRetryAfter(t *testing.T) {
	header := http.Header{}
	assert.Equal(t, 0, parseRetryAfter(header))

	header.Set("Retry-After", "12")
	assert.Equal(t, 12, parseRetryAfter(header))

	header.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	got := parseRetryAfter(header)
	assert.Greater(t, got, 25)
	assert.LessOrEqual(t, got, 31)

	header.Set("Retry-After", "garbage")
	assert.Equal(t, 0, parseRetryAfter(header))
}

func TestClaudeClientExecute(t *testing.T) {
	var gotPath, gotAPIKey, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"content": [{"type": "text", "text": "plan: add a regression test"}],
			"usage": {"input_tokens": 120, "output_tokens": 40}
		}`))
	}))
	defer server.Close()

	t.Setenv("TEST_CLAUDE_KEY", "sk-test")
	client := NewClaudeClient(Config{
		APIKeyEnv:    "TEST_CLAUDE_KEY",
		BaseURL:      server.URL,
		DefaultModel: "claude-sonnet-4-5",
	}, logging.Nop())

	resp, err := client.Execute(context.Background(), Request{
		Messages: []Message{
			{Role: "system", Content: "you are a planner"},
			{Role: "user", Content: "plan this task"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "/messages", gotPath)
	assert.Equal(t, "sk-test", gotAPIKey)
	assert.Equal(t, claudeAPIVersion, gotVersion)
	assert.Equal(t, "claude", resp.Provider)
	assert.Equal(t, "plan: add a regression test", resp.Text)
	assert.Equal(t, int64(120), resp.TokensIn)
	assert.Equal(t, int64(40), resp.TokensOut)
	assert.InDelta(t, 120.0/1e6*3+40.0/1e6*15, resp.CostUSD, 1e-12)
}

func TestOpenAIClientRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{BaseURL: server.URL, DefaultModel: "gpt-4o"}, logging.Nop())
	_, err := client.Execute(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, pe.Kind)
	assert.Equal(t, 2, pe.RetryAfterSeconds)
}

func TestGeminiClientExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/models/gemini-2.0-flash:generateContent")
		w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "looks "}, {"text": "good"}]}}],
			"usageMetadata": {"promptTokenCount": 50, "candidatesTokenCount": 10}
		}`))
	}))
	defer server.Close()

	client := NewGeminiClient(Config{BaseURL: server.URL, DefaultModel: "gemini-2.0-flash"}, logging.Nop())
	resp, err := client.Execute(context.Background(), Request{
		Messages: []Message{
			{Role: "user", Content: "review"},
			{Role: "assistant", Content: "earlier reply"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "looks good", resp.Text)
	assert.Equal(t, int64(50), resp.TokensIn)
}

func TestExecuteTimeoutClassified(t *testing.T) {
	// The handler must drain the body before parking: the server only
	// notices the client going away once it is reading the connection. The
	// release channel unblocks the handler so Close does not wait on it.
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewOpenAIClient(Config{BaseURL: server.URL, DefaultModel: "gpt-4o"}, logging.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Execute(ctx, Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
}

func TestRegistryIdempotentAndLookup(t *testing.T) {
	registry := NewRegistry(logging.Nop())
	mock := NewMockClient("claude")
	registry.Register(mock, 2)
	registry.Register(mock, 2)
	registry.Register(NewMockClient("openai"), 0)

	assert.Equal(t, []string{"claude", "openai"}, registry.Names())

	got, err := registry.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.Name())

	_, err = registry.Get("mistral")
	assert.Error(t, err)
}

func TestRegistryConcurrencyCap(t *testing.T) {
	registry := NewRegistry(logging.Nop())

	var active, peak int64
	slow := &funcClient{
		name: "slow",
		execute: func(ctx context.Context, req Request) (*Response, error) {
			cur := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return &Response{Provider: "slow", Text: "ok"}, nil
		},
	}
	registry.Register(slow, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Execute(context.Background(), "slow", Request{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestRetryClientRetriesTransient(t *testing.T) {
	mock := NewMockClient("claude").
		FailWith(KindRateLimited, "slow down").
		Respond("recovered", 10, 5)

	client := WrapWithRetry(mock,
		drovererrors.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		drovererrors.DefaultCircuitBreakerConfig(), logging.Nop())

	resp, err := client.Execute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 2, mock.Calls())
}

func TestRetryClientDoesNotRetryPermanent(t *testing.T) {
	mock := NewMockClient("claude").FailWith(KindAuthError, "bad key")

	client := WrapWithRetry(mock,
		drovererrors.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		drovererrors.DefaultCircuitBreakerConfig(), logging.Nop())

	_, err := client.Execute(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuthError))
	assert.Equal(t, 1, mock.Calls())
}

func TestRetryClientSingleAttemptPassesTransientThrough(t *testing.T) {
	rateLimited := &Error{Provider: "claude", Kind: KindRateLimited, Message: "slow down", RetryAfterSeconds: 7}
	mock := NewMockClient("claude").Fail(rateLimited)

	client := WrapWithRetry(mock,
		drovererrors.RetryConfig{MaxAttempts: 1},
		drovererrors.DefaultCircuitBreakerConfig(), logging.Nop())

	_, err := client.Execute(context.Background(), Request{})
	require.Error(t, err)
	// The failure surfaces after one call, still transient and still
	// carrying its Retry-After hint for the caller's own retry policy.
	assert.Equal(t, 1, mock.Calls())
	assert.True(t, drovererrors.IsTransient(err))
	assert.Equal(t, 7, drovererrors.RetryAfterHint(err))
	assert.True(t, IsKind(err, KindRateLimited))
}

func TestRetryClientOpensBreaker(t *testing.T) {
	mock := NewMockClient("claude")
	for i := 0; i < 10; i++ {
		mock.FailWith(KindProviderUnavailable, "down")
	}
	client := WrapWithRetry(mock,
		drovererrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		drovererrors.CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute},
		logging.Nop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.Execute(ctx, Request{})
		require.Error(t, err)
	}
	callsBefore := mock.Calls()

	// Breaker is open now; the underlying client is not reached.
	_, err := client.Execute(ctx, Request{})
	require.Error(t, err)
	assert.True(t, drovererrors.IsDegraded(err))
	assert.Equal(t, callsBefore, mock.Calls())
}

func TestMockCostEstimate(t *testing.T) {
	mock := NewMockClient("claude")
	assert.InDelta(t, 1e6/1e6*1+5e5/1e6*2, mock.CostEstimate(1e6, 5e5, "mock-small"), 1e-9)
}

// funcClient adapts a function to the Client interface for tests.
type funcClient struct {
	name    string
	execute func(ctx context.Context, req Request) (*Response, error)
}

func (f *funcClient) Name() string      { return f.name }
func (f *funcClient) Models() []string  { return []string{"m"} }
func (f *funcClient) Execute(ctx context.Context, req Request) (*Response, error) {
	return f.execute(ctx, req)
}
func (f *funcClient) CostEstimate(tokensIn, tokensOut int64, model string) float64 { return 0 }
