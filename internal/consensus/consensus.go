// Package consensus fans one logical request out to several providers and
// merges their answers by a declared strategy.
package consensus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	drovererrors "drover/internal/errors"
	"drover/internal/logging"
	"drover/internal/provider"
)

// Strategy selects how responses are merged.
type Strategy string

const (
	StrategyMajorityVote Strategy = "majority-vote"
	StrategyBestOfN      Strategy = "best-of-n"
	StrategySynthesize   Strategy = "synthesize"
)

// Valid reports whether s is a recognized strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyMajorityVote, StrategyBestOfN, StrategySynthesize:
		return true
	}
	return false
}

// Config declares one named consensus group from configuration.
type Config struct {
	Providers        []string `mapstructure:"providers"`
	Strategy         Strategy `mapstructure:"strategy"`
	Synthesizer      string   `mapstructure:"synthesizer"`
	SynthesizerModel string   `mapstructure:"synthesizer_model"`
	MinSuccessful    int      `mapstructure:"min_successful"`
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
}

// Validate checks the group is executable.
func (c Config) Validate() error {
	if len(c.Providers) < 2 {
		return fmt.Errorf("consensus requires at least 2 providers, got %d", len(c.Providers))
	}
	if !c.Strategy.Valid() {
		return fmt.Errorf("unknown consensus strategy %q", c.Strategy)
	}
	if c.Strategy == StrategySynthesize && c.Synthesizer == "" {
		return fmt.Errorf("synthesize strategy requires a synthesizer provider")
	}
	if c.MinSuccessful < 1 || c.MinSuccessful > len(c.Providers) {
		return fmt.Errorf("min_successful %d out of range for %d providers", c.MinSuccessful, len(c.Providers))
	}
	return nil
}

// BelowQuorumError reports that fewer providers answered than the group
// requires. It is transient: a later attempt may find them healthy.
type BelowQuorumError struct {
	Got  int
	Need int
}

func (e *BelowQuorumError) Error() string {
	return fmt.Sprintf("consensus below quorum: %d of %d required responses", e.Got, e.Need)
}

// Result is a merged consensus outcome. Every participating response is
// retained so its cost and tokens can be summed into the phase.
type Result struct {
	Text      string
	Winner    string
	Responses []*provider.Response
	Failures  map[string]error

	TotalTokensIn  int64
	TotalTokensOut int64
	TotalCostUSD   float64
	LLMRequests    int
}

// Scorer ranks a response for best-of-n. Higher wins.
type Scorer func(resp *provider.Response) float64

// Engine executes consensus groups against the provider registry.
type Engine struct {
	registry *provider.Registry
	logger   logging.Logger
	scorer   Scorer
}

// New creates a consensus engine with the default scorer.
func New(registry *provider.Registry, logger logging.Logger) *Engine {
	return &Engine{
		registry: registry,
		logger:   logging.OrNop(logger),
		scorer:   defaultScorer,
	}
}

// SetScorer overrides the best-of-n scorer.
func (e *Engine) SetScorer(scorer Scorer) {
	if scorer != nil {
		e.scorer = scorer
	}
}

// defaultScorer is a length-normalized proxy: substantial answers that spend
// fewer tokens per character score higher.
func defaultScorer(resp *provider.Response) float64 {
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return 0
	}
	return float64(len(text)) / float64(1+resp.TokensOut)
}

// Execute issues req to every provider in the group in parallel, waits for
// all of them (bounded by the group timeout), and merges the successful
// responses. The merge is deterministic: responses keep the group's declared
// provider order.
func (e *Engine) Execute(ctx context.Context, cfg Config, req provider.Request) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, drovererrors.NewPermanentError(err, "invalid consensus configuration")
	}

	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	responses := make([]*provider.Response, len(cfg.Providers))
	failures := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range cfg.Providers {
		i, name := i, name
		g.Go(func() error {
			resp, err := e.registry.Execute(gctx, name, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Warn("consensus provider %s failed: %v", name, err)
				failures[name] = err
				return nil
			}
			responses[i] = resp
			return nil
		})
	}
	// Individual failures are collected, not propagated, so one provider
	// cannot cancel the rest.
	_ = g.Wait()

	result := &Result{Failures: failures}
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		result.Responses = append(result.Responses, resp)
		result.TotalTokensIn += resp.TokensIn
		result.TotalTokensOut += resp.TokensOut
		result.TotalCostUSD += resp.CostUSD
		result.LLMRequests++
	}

	if len(result.Responses) < cfg.MinSuccessful {
		return result, drovererrors.NewTransientError(
			&BelowQuorumError{Got: len(result.Responses), Need: cfg.MinSuccessful},
			fmt.Sprintf("only %d of %d consensus providers responded", len(result.Responses), cfg.MinSuccessful))
	}

	switch cfg.Strategy {
	case StrategyMajorityVote:
		e.mergeMajority(result)
	case StrategyBestOfN:
		e.mergeBestOfN(result)
	case StrategySynthesize:
		if err := e.mergeSynthesize(ctx, cfg, req, result); err != nil {
			return result, err
		}
	}
	e.logger.Info("consensus %s merged %d responses, winner=%s",
		cfg.Strategy, len(result.Responses), result.Winner)
	return result, nil
}

// mergeMajority picks the modal answer; ties go to the response from the
// provider listed earlier in the group.
func (e *Engine) mergeMajority(result *Result) {
	counts := make(map[string]int)
	for _, resp := range result.Responses {
		counts[normalizeAnswer(resp.Text)]++
	}
	best := -1
	for _, resp := range result.Responses {
		n := counts[normalizeAnswer(resp.Text)]
		if n > best {
			best = n
			result.Text = resp.Text
			result.Winner = resp.Provider
		}
	}
}

// mergeBestOfN picks the highest-scoring response; ties go to the earlier
// provider. The first response seeds the running best so a scorer may use
// any range, negatives included.
func (e *Engine) mergeBestOfN(result *Result) {
	var best float64
	for i, resp := range result.Responses {
		score := e.scorer(resp)
		if i == 0 || score > best {
			best = score
			result.Text = resp.Text
			result.Winner = resp.Provider
		}
	}
}

// mergeSynthesize issues one more call to the designated synthesizer with
// every answer as input; its output is the consensus text.
func (e *Engine) mergeSynthesize(ctx context.Context, cfg Config, req provider.Request, result *Result) error {
	var prompt strings.Builder
	prompt.WriteString("Multiple assistants answered the same request. Synthesize the best single answer.\n")
	for i, resp := range result.Responses {
		fmt.Fprintf(&prompt, "\n--- Answer %d (%s) ---\n%s\n", i+1, resp.Provider, resp.Text)
	}

	synthReq := provider.Request{
		Model:       cfg.SynthesizerModel,
		Messages:    append(append([]provider.Message(nil), req.Messages...), provider.Message{Role: "user", Content: prompt.String()}),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	synth, err := e.registry.Execute(ctx, cfg.Synthesizer, synthReq)
	if err != nil {
		return provider.Classify(err)
	}
	result.Responses = append(result.Responses, synth)
	result.TotalTokensIn += synth.TokensIn
	result.TotalTokensOut += synth.TokensOut
	result.TotalCostUSD += synth.CostUSD
	result.LLMRequests++
	result.Text = synth.Text
	result.Winner = synth.Provider
	return nil
}

func normalizeAnswer(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
