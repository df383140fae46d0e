// Package router maps routing keys (phase, kind, model set, tags) to
// provider decisions using ordered first-match rules from configuration.
package router

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"drover/internal/logging"
	"drover/internal/state"
)

// Key is the routing input. Tags are matched as a superset: a rule's tags
// must all be present on the key.
type Key struct {
	Phase    state.PhaseName
	Kind     state.WorkflowKind
	ModelSet state.ModelSet
	Tags     []string
}

func (k Key) cacheKey() string {
	tags := append([]string(nil), k.Tags...)
	sort.Strings(tags)
	return fmt.Sprintf("%s|%s|%s|%s", k.Phase, k.Kind, k.ModelSet, strings.Join(tags, ","))
}

// Decision tells the engine how to execute a phase.
type Decision struct {
	Provider           string   `mapstructure:"provider" json:"provider"`
	Model              string   `mapstructure:"model" json:"model"`
	Temperature        float64  `mapstructure:"temperature" json:"temperature"`
	MaxTokens          int      `mapstructure:"max_tokens" json:"max_tokens"`
	UseConsensus       bool     `mapstructure:"use_consensus" json:"use_consensus"`
	ConsensusStrategy  string   `mapstructure:"consensus_strategy" json:"consensus_strategy,omitempty"`
	ConsensusProviders []string `mapstructure:"consensus_providers" json:"consensus_providers,omitempty"`
}

// Predicate is a rule's match condition. Empty fields match anything.
type Predicate struct {
	Phase    string   `mapstructure:"phase"`
	Kind     string   `mapstructure:"kind"`
	ModelSet string   `mapstructure:"model_set"`
	Tags     []string `mapstructure:"tags"`
}

// Matches reports whether the key satisfies every set field.
func (p Predicate) Matches(key Key) bool {
	if p.Phase != "" && p.Phase != string(key.Phase) {
		return false
	}
	if p.Kind != "" && p.Kind != string(key.Kind) {
		return false
	}
	if p.ModelSet != "" && p.ModelSet != string(key.ModelSet) {
		return false
	}
	for _, want := range p.Tags {
		found := false
		for _, have := range key.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Rule pairs a predicate with its decision.
type Rule struct {
	When Predicate `mapstructure:"when"`
	Then Decision  `mapstructure:"then"`
}

const decisionCacheSize = 512

// Router resolves routing keys against an ordered rule list. It performs no
// I/O; resolved decisions are cached by key.
type Router struct {
	rules      []Rule
	defaultDec Decision
	logger     logging.Logger
	cache      *lru.Cache[string, Decision]
}

// New builds a router. A default decision with a provider is required.
func New(rules []Rule, defaultDecision Decision, logger logging.Logger) (*Router, error) {
	if defaultDecision.Provider == "" {
		return nil, fmt.Errorf("router requires a default decision with a provider")
	}
	for i, rule := range rules {
		if rule.Then.Provider == "" && !rule.Then.UseConsensus {
			return nil, fmt.Errorf("router rule %d has neither provider nor consensus", i)
		}
		// A consensus rule either names a configured group via its strategy
		// or lists at least 2 inline providers.
		if rule.Then.UseConsensus && len(rule.Then.ConsensusProviders) < 2 && rule.Then.ConsensusStrategy == "" {
			return nil, fmt.Errorf("router rule %d requests consensus with neither a strategy name nor 2 providers", i)
		}
	}
	cache, err := lru.New[string, Decision](decisionCacheSize)
	if err != nil {
		return nil, err
	}
	return &Router{
		rules:      rules,
		defaultDec: defaultDecision,
		logger:     logging.OrNop(logger),
		cache:      cache,
	}, nil
}

// Route returns the first matching rule's decision, or the default.
func (r *Router) Route(key Key) Decision {
	ck := key.cacheKey()
	if cached, ok := r.cache.Get(ck); ok {
		return cached
	}
	decision := r.defaultDec
	for i, rule := range r.rules {
		if rule.When.Matches(key) {
			decision = rule.Then
			r.logger.Debug("rule %d matched key %s -> provider=%s model=%s consensus=%v",
				i, ck, decision.Provider, decision.Model, decision.UseConsensus)
			break
		}
	}
	r.cache.Add(ck, decision)
	return decision
}

// CacheLen reports how many decisions are cached.
func (r *Router) CacheLen() int {
	return r.cache.Len()
}
