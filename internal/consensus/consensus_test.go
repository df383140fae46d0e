package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	drovererrors "drover/internal/errors"
	"drover/internal/logging"
	"drover/internal/provider"
)

func newTestRegistry(clients ...*provider.MockClient) *provider.Registry {
	registry := provider.NewRegistry(logging.Nop())
	for _, c := range clients {
		registry.Register(c, 4)
	}
	return registry
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Providers:     []string{"claude", "openai"},
		Strategy:      StrategyMajorityVote,
		MinSuccessful: 2,
	}
	assert.NoError(t, valid.Validate())

	tooFew := valid
	tooFew.Providers = []string{"claude"}
	assert.Error(t, tooFew.Validate())

	badStrategy := valid
	badStrategy.Strategy = "coin-flip"
	assert.Error(t, badStrategy.Validate())

	noSynth := valid
	noSynth.Strategy = StrategySynthesize
	assert.Error(t, noSynth.Validate())

	badQuorum := valid
	badQuorum.MinSuccessful = 3
	assert.Error(t, badQuorum.Validate())
}

func TestMajorityVoteModalAnswer(t *testing.T) {
	claude := provider.NewMockClient("claude").Respond("PASS", 10, 2)
	openai := provider.NewMockClient("openai").Respond("FAIL", 10, 2)
	gemini := provider.NewMockClient("gemini").Respond("pass", 10, 2)

	engine := New(newTestRegistry(claude, openai, gemini), logging.Nop())
	result, err := engine.Execute(context.Background(), Config{
		Providers:     []string{"claude", "openai", "gemini"},
		Strategy:      StrategyMajorityVote,
		MinSuccessful: 2,
	}, provider.Request{})
	require.NoError(t, err)

	// "PASS" and "pass" normalize to the same answer; claude is earlier.
	assert.Equal(t, "PASS", result.Text)
	assert.Equal(t, "claude", result.Winner)
	assert.Len(t, result.Responses, 3)
	assert.Equal(t, int64(30), result.TotalTokensIn)
	assert.Equal(t, int64(6), result.TotalTokensOut)
	assert.Equal(t, 3, result.LLMRequests)
}

func TestMajorityVoteTieGoesToEarlierProvider(t *testing.T) {
	claude := provider.NewMockClient("claude").Respond("yes", 5, 1)
	openai := provider.NewMockClient("openai").Respond("no", 5, 1)

	engine := New(newTestRegistry(claude, openai), logging.Nop())
	result, err := engine.Execute(context.Background(), Config{
		Providers:     []string{"claude", "openai"},
		Strategy:      StrategyMajorityVote,
		MinSuccessful: 2,
	}, provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "claude", result.Winner)
	assert.Equal(t, "yes", result.Text)
}

func TestBestOfNUsesScorer(t *testing.T) {
	claude := provider.NewMockClient("claude").Respond("short", 5, 10)
	openai := provider.NewMockClient("openai").Respond("a much longer and more detailed answer", 5, 10)

	engine := New(newTestRegistry(claude, openai), logging.Nop())
	result, err := engine.Execute(context.Background(), Config{
		Providers:     []string{"claude", "openai"},
		Strategy:      StrategyBestOfN,
		MinSuccessful: 2,
	}, provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "openai", result.Winner)

	// A custom scorer flips the outcome.
	engine.SetScorer(func(resp *provider.Response) float64 {
		return -float64(len(resp.Text))
	})
	result, err = engine.Execute(context.Background(), Config{
		Providers:     []string{"claude", "openai"},
		Strategy:      StrategyBestOfN,
		MinSuccessful: 2,
	}, provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "claude", result.Winner)
}

func TestSynthesizeIssuesExtraCall(t *testing.T) {
	claude := provider.NewMockClient("claude").Respond("answer A", 10, 5)
	openai := provider.NewMockClient("openai").Respond("answer B", 10, 5)
	synth := provider.NewMockClient("synth").Respond("merged answer", 40, 8)

	engine := New(newTestRegistry(claude, openai, synth), logging.Nop())
	result, err := engine.Execute(context.Background(), Config{
		Providers:     []string{"claude", "openai"},
		Strategy:      StrategySynthesize,
		Synthesizer:   "synth",
		MinSuccessful: 2,
	}, provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "original question"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "merged answer", result.Text)
	assert.Equal(t, "synth", result.Winner)
	assert.Len(t, result.Responses, 3)
	assert.Equal(t, int64(60), result.TotalTokensIn)
	assert.Equal(t, 3, result.LLMRequests)
	assert.Equal(t, 1, synth.Calls())
}

func TestBelowQuorumIsTransient(t *testing.T) {
	claude := provider.NewMockClient("claude").Respond("ok", 10, 5)
	openai := provider.NewMockClient("openai").FailWith(provider.KindProviderUnavailable, "down")
	gemini := provider.NewMockClient("gemini").FailWith(provider.KindProviderUnavailable, "down")

	engine := New(newTestRegistry(claude, openai, gemini), logging.Nop())
	result, err := engine.Execute(context.Background(), Config{
		Providers:     []string{"claude", "openai", "gemini"},
		Strategy:      StrategyMajorityVote,
		MinSuccessful: 2,
	}, provider.Request{})
	require.Error(t, err)
	assert.True(t, drovererrors.IsTransient(err))

	var quorumErr *BelowQuorumError
	require.ErrorAs(t, err, &quorumErr)
	assert.Equal(t, 1, quorumErr.Got)
	assert.Equal(t, 2, quorumErr.Need)

	// The surviving response is still recorded for cost accounting.
	require.NotNil(t, result)
	assert.Len(t, result.Responses, 1)
	assert.Len(t, result.Failures, 2)
}

func TestDeterministicResponseOrder(t *testing.T) {
	claude := provider.NewMockClient("claude").Respond("from claude", 1, 1)
	openai := provider.NewMockClient("openai").Respond("from openai", 1, 1)
	gemini := provider.NewMockClient("gemini").Respond("from gemini", 1, 1)

	engine := New(newTestRegistry(claude, openai, gemini), logging.Nop())
	for i := 0; i < 5; i++ {
		result, err := engine.Execute(context.Background(), Config{
			Providers:     []string{"gemini", "claude", "openai"},
			Strategy:      StrategyBestOfN,
			MinSuccessful: 3,
		}, provider.Request{})
		require.NoError(t, err)
		require.Len(t, result.Responses, 3)
		assert.Equal(t, "gemini", result.Responses[0].Provider)
		assert.Equal(t, "claude", result.Responses[1].Provider)
		assert.Equal(t, "openai", result.Responses[2].Provider)
	}
}
