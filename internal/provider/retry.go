package provider

import (
	"context"
	"fmt"
	"time"

	drovererrors "drover/internal/errors"
	"drover/internal/logging"
)

// retryClient wraps a provider client with retry and a circuit breaker.
// Cancellation passes through untouched; everything else is classified so
// the retry layer backs off only on transient failures.
type retryClient struct {
	underlying     Client
	retryConfig    drovererrors.RetryConfig
	circuitBreaker *drovererrors.CircuitBreaker
	logger         logging.Logger
}

// WrapWithRetry layers retry and circuit-breaking over a client.
func WrapWithRetry(client Client, retryConfig drovererrors.RetryConfig, breakerConfig drovererrors.CircuitBreakerConfig, logger logging.Logger) Client {
	logger = logging.OrNop(logger)
	return &retryClient{
		underlying:  client,
		retryConfig: retryConfig,
		circuitBreaker: drovererrors.NewCircuitBreaker(
			fmt.Sprintf("provider-%s", client.Name()), breakerConfig, logger),
		logger: logger,
	}
}

func (c *retryClient) Name() string { return c.underlying.Name() }

func (c *retryClient) Models() []string { return c.underlying.Models() }

func (c *retryClient) CostEstimate(tokensIn, tokensOut int64, model string) float64 {
	return c.underlying.CostEstimate(tokensIn, tokensOut, model)
}

func (c *retryClient) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	call := func(ctx context.Context) (*Response, error) {
		return drovererrors.ExecuteFunc(c.circuitBreaker, ctx, func(ctx context.Context) (*Response, error) {
			response, execErr := c.underlying.Execute(ctx, req)
			if execErr != nil {
				return nil, Classify(execErr)
			}
			return response, nil
		})
	}

	// MaxAttempts of 1 keeps the breaker but disables in-wrapper retries,
	// so transient failures and their Retry-After hints reach the caller
	// unconsumed. The phase executor retries those as fresh attempts.
	var resp *Response
	var err error
	if c.retryConfig.MaxAttempts <= 1 {
		resp, err = call(ctx)
	} else {
		resp, err = drovererrors.RetryWithResult(ctx, c.retryConfig, c.logger, call)
	}
	if err != nil {
		c.logger.Warn("[%s] request failed after %v: %v", c.Name(), time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}
	return resp, nil
}
