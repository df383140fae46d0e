package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/logging"
	"drover/internal/state"
)

func defaultDecision() Decision {
	return Decision{Provider: "claude", Model: "claude-sonnet-4-5", MaxTokens: 4096}
}

func TestRouterRequiresDefault(t *testing.T) {
	_, err := New(nil, Decision{}, logging.Nop())
	assert.Error(t, err)

	_, err = New(nil, defaultDecision(), logging.Nop())
	assert.NoError(t, err)
}

func TestRouterRejectsBadRules(t *testing.T) {
	_, err := New([]Rule{{When: Predicate{Phase: "plan"}, Then: Decision{}}}, defaultDecision(), logging.Nop())
	assert.Error(t, err)

	_, err = New([]Rule{{
		When: Predicate{Phase: "review"},
		Then: Decision{UseConsensus: true, ConsensusProviders: []string{"claude"}},
	}}, defaultDecision(), logging.Nop())
	assert.Error(t, err)

	_, err = New([]Rule{{
		When: Predicate{Phase: "review"},
		Then: Decision{UseConsensus: true},
	}}, defaultDecision(), logging.Nop())
	assert.Error(t, err)
}

func TestRouterAcceptsNamedConsensusGroup(t *testing.T) {
	// A strategy naming a configured group needs no inline provider list.
	r, err := New([]Rule{{
		When: Predicate{Phase: "review"},
		Then: Decision{UseConsensus: true, ConsensusStrategy: "review-board"},
	}}, defaultDecision(), logging.Nop())
	require.NoError(t, err)

	d := r.Route(Key{Phase: state.PhaseReview, Kind: state.KindStandard, ModelSet: state.ModelSetBase})
	assert.True(t, d.UseConsensus)
	assert.Equal(t, "review-board", d.ConsensusStrategy)
	assert.Empty(t, d.ConsensusProviders)
}

func TestRouterFirstMatchWins(t *testing.T) {
	rules := []Rule{
		{When: Predicate{Phase: "plan", ModelSet: "powerful"}, Then: Decision{Provider: "openai", Model: "gpt-4o"}},
		{When: Predicate{Phase: "plan"}, Then: Decision{Provider: "claude", Model: "claude-3-5-haiku"}},
		{When: Predicate{Kind: "tdd"}, Then: Decision{Provider: "gemini", Model: "gemini-2.0-flash"}},
	}
	r, err := New(rules, defaultDecision(), logging.Nop())
	require.NoError(t, err)

	powerful := r.Route(Key{Phase: state.PhasePlan, Kind: state.KindStandard, ModelSet: state.ModelSetPowerful})
	assert.Equal(t, "openai", powerful.Provider)

	// The earlier plan rule shadows the tdd rule.
	planTDD := r.Route(Key{Phase: state.PhasePlan, Kind: state.KindTDD, ModelSet: state.ModelSetBase})
	assert.Equal(t, "claude", planTDD.Provider)
	assert.Equal(t, "claude-3-5-haiku", planTDD.Model)

	buildTDD := r.Route(Key{Phase: state.PhaseBuild, Kind: state.KindTDD, ModelSet: state.ModelSetBase})
	assert.Equal(t, "gemini", buildTDD.Provider)

	fallthrough_ := r.Route(Key{Phase: state.PhaseDeploy, Kind: state.KindStandard, ModelSet: state.ModelSetBase})
	assert.Equal(t, defaultDecision(), fallthrough_)
}

func TestRouterTagSuperset(t *testing.T) {
	rules := []Rule{
		{When: Predicate{Tags: []string{"frontend", "urgent"}}, Then: Decision{Provider: "openai", Model: "gpt-4o"}},
	}
	r, err := New(rules, defaultDecision(), logging.Nop())
	require.NoError(t, err)

	matched := r.Route(Key{Phase: state.PhaseBuild, Tags: []string{"urgent", "frontend", "extra"}})
	assert.Equal(t, "openai", matched.Provider)

	missing := r.Route(Key{Phase: state.PhaseBuild, Tags: []string{"frontend"}})
	assert.Equal(t, "claude", missing.Provider)
}

func TestRouterCachesDecisions(t *testing.T) {
	r, err := New(nil, defaultDecision(), logging.Nop())
	require.NoError(t, err)

	key := Key{Phase: state.PhasePlan, Kind: state.KindStandard, ModelSet: state.ModelSetBase, Tags: []string{"b", "a"}}
	first := r.Route(key)
	assert.Equal(t, 1, r.CacheLen())

	// Tag order does not change the cache key.
	again := r.Route(Key{Phase: state.PhasePlan, Kind: state.KindStandard, ModelSet: state.ModelSetBase, Tags: []string{"a", "b"}})
	assert.Equal(t, first, again)
	assert.Equal(t, 1, r.CacheLen())

	r.Route(Key{Phase: state.PhaseTest, Kind: state.KindStandard, ModelSet: state.ModelSetBase})
	assert.Equal(t, 2, r.CacheLen())
}

func TestRouterConsensusDecision(t *testing.T) {
	rules := []Rule{
		{When: Predicate{Phase: "review"}, Then: Decision{
			UseConsensus:       true,
			ConsensusStrategy:  "majority-vote",
			ConsensusProviders: []string{"claude", "openai", "gemini"},
		}},
	}
	r, err := New(rules, defaultDecision(), logging.Nop())
	require.NoError(t, err)

	d := r.Route(Key{Phase: state.PhaseReview, Kind: state.KindStandard, ModelSet: state.ModelSetBase})
	assert.True(t, d.UseConsensus)
	assert.Equal(t, "majority-vote", d.ConsensusStrategy)
	assert.Len(t, d.ConsensusProviders, 3)
}
