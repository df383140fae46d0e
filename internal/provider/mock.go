package provider

import (
	"context"
	"sync"
)

// MockClient is a scripted provider for tests. Each Execute consumes the
// next scripted step; when the script runs out the last step repeats.
type MockClient struct {
	ProviderName string
	ModelList    []string
	InPerMTok    float64
	OutPerMTok   float64

	mu    sync.Mutex
	steps []mockStep
	calls int
}

type mockStep struct {
	resp *Response
	err  error
}

// NewMockClient creates a mock provider with 1/2 USD-per-MTok pricing.
func NewMockClient(name string) *MockClient {
	return &MockClient{
		ProviderName: name,
		ModelList:    []string{"mock-small", "mock-large"},
		InPerMTok:    1,
		OutPerMTok:   2,
	}
}

// Respond appends a successful scripted response.
func (m *MockClient) Respond(text string, tokensIn, tokensOut int64) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := &Response{
		Provider:  m.ProviderName,
		Model:     "mock-small",
		Text:      text,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   m.pricing().cost(tokensIn, tokensOut),
		LatencyMs: 1,
	}
	m.steps = append(m.steps, mockStep{resp: resp})
	return m
}

// Fail appends a scripted failure.
func (m *MockClient) Fail(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, mockStep{err: err})
	return m
}

// FailWith appends a scripted failure of the given kind.
func (m *MockClient) FailWith(kind ErrorKind, message string) *MockClient {
	return m.Fail(NewError(m.ProviderName, kind, message, nil))
}

// Calls returns how many Execute invocations the mock has served.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) pricing() pricing {
	return pricing{inPerMTok: m.InPerMTok, outPerMTok: m.OutPerMTok}
}

func (m *MockClient) Name() string { return m.ProviderName }

func (m *MockClient) Models() []string { return m.ModelList }

func (m *MockClient) Execute(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyTransport(m.ProviderName, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.steps) == 0 {
		return &Response{
			Provider:  m.ProviderName,
			Model:     m.resolve(req.Model),
			Text:      "ok",
			TokensIn:  10,
			TokensOut: 5,
			CostUSD:   m.pricing().cost(10, 5),
			LatencyMs: 1,
		}, nil
	}
	step := m.steps[0]
	if len(m.steps) > 1 {
		m.steps = m.steps[1:]
	}
	if step.err != nil {
		return nil, step.err
	}
	resp := *step.resp
	resp.Model = m.resolve(req.Model)
	return &resp, nil
}

func (m *MockClient) resolve(model string) string {
	if model != "" {
		return model
	}
	return m.ModelList[0]
}

func (m *MockClient) CostEstimate(tokensIn, tokensOut int64, model string) float64 {
	return m.pricing().cost(tokensIn, tokensOut)
}
