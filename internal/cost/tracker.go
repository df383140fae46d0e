// Package cost accumulates per-workflow token and cost totals, writes them
// through to the state store, and enforces pre-declared budgets.
package cost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	drovererrors "drover/internal/errors"
	"drover/internal/event"
	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/provider"
	"drover/internal/state"
)

// BudgetWarnRatio triggers a warning event when a workflow's spend crosses
// this share of its budget.
const BudgetWarnRatio = 0.8

// BudgetExceededError is permanent: the projected cost of the next request
// would push the workflow past its declared budget.
type BudgetExceededError struct {
	WorkflowID   string
	BudgetUSD    float64
	SpentUSD     float64
	ProjectedUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("workflow %s budget exceeded: spent %.4f + projected %.4f > budget %.4f USD",
		e.WorkflowID, e.SpentUSD, e.ProjectedUSD-e.SpentUSD, e.BudgetUSD)
}

type workflowTotals struct {
	costUSD float64
	tokens  int64
	warned  bool
}

// Tracker keeps in-memory running totals per workflow and writes every delta
// through to the state store.
type Tracker struct {
	store   *state.Store
	bus     *event.Bus
	metrics *observability.MetricsCollector
	logger  logging.Logger

	mu     sync.Mutex
	totals map[string]*workflowTotals
}

// NewTracker creates a cost tracker. bus and metrics may be nil.
func NewTracker(store *state.Store, bus *event.Bus, metrics *observability.MetricsCollector, logger logging.Logger) *Tracker {
	return &Tracker{
		store:   store,
		bus:     bus,
		metrics: metrics,
		logger:  logging.OrNop(logger),
		totals:  make(map[string]*workflowTotals),
	}
}

// Load seeds the in-memory totals from the store. Called when a workflow is
// resumed after a restart.
func (t *Tracker) Load(ctx context.Context, workflowID string) error {
	w, err := t.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[workflowID] = &workflowTotals{costUSD: w.CostUSD, tokens: w.TotalTokens}
	return nil
}

// Forget drops a workflow's in-memory totals at termination.
func (t *Tracker) Forget(workflowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.totals, workflowID)
}

// TotalCost returns the tracked spend for a workflow.
func (t *Tracker) TotalCost(workflowID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if totals, ok := t.totals[workflowID]; ok {
		return totals.costUSD
	}
	return 0
}

// Record applies one provider response: phase and workflow rows get the
// delta, the in-memory total advances, and metrics are emitted. budgetUSD of
// 0 means unlimited.
func (t *Tracker) Record(ctx context.Context, workflowID string, phaseID int64, resp *provider.Response, budgetUSD float64) error {
	if err := t.store.AddPhaseUsage(ctx, phaseID, 1, resp.TokensIn, resp.TokensOut, resp.CostUSD); err != nil {
		return err
	}
	if err := t.store.AddWorkflowUsage(ctx, workflowID, resp.CostUSD, resp.TokensIn+resp.TokensOut); err != nil {
		return err
	}

	t.mu.Lock()
	totals, ok := t.totals[workflowID]
	if !ok {
		totals = &workflowTotals{}
		t.totals[workflowID] = totals
	}
	totals.costUSD += resp.CostUSD
	totals.tokens += resp.TokensIn + resp.TokensOut
	spent := totals.costUSD
	shouldWarn := budgetUSD > 0 && !totals.warned && spent >= budgetUSD*BudgetWarnRatio
	if shouldWarn {
		totals.warned = true
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordLLMRequest(ctx, resp.Provider, resp.Model, resp.TokensIn, resp.TokensOut, resp.CostUSD, resp.LatencyMs)
	}
	if shouldWarn {
		t.logger.Warn("workflow %s spent %.4f of %.4f USD budget", workflowID, spent, budgetUSD)
		if t.bus != nil {
			t.bus.Publish(event.New(event.TypeErrorOccurred, workflowID).
				WithSeverity(event.SeverityWarn).
				WithMessage("budget warning: %.4f of %.4f USD spent", spent, budgetUSD).
				WithMetadata("budget_usd", budgetUSD).
				WithMetadata("spent_usd", spent))
		}
	}
	return nil
}

// CheckBudget rejects the next request when its projected cost would push
// the workflow past its budget. budgetUSD of 0 means unlimited.
func (t *Tracker) CheckBudget(workflowID string, budgetUSD, projectedDeltaUSD float64) error {
	if budgetUSD <= 0 {
		return nil
	}
	spent := t.TotalCost(workflowID)
	projected := spent + projectedDeltaUSD
	if projected > budgetUSD {
		return drovererrors.NewPermanentError(
			&BudgetExceededError{
				WorkflowID:   workflowID,
				BudgetUSD:    budgetUSD,
				SpentUSD:     spent,
				ProjectedUSD: projected,
			},
			fmt.Sprintf("budget exceeded for workflow %s", workflowID))
	}
	return nil
}

// IsBudgetExceeded reports whether err carries a BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}

// EstimateTokens approximates the token count of a prompt using the
// cl100k_base encoding; on encoder failure it falls back to a bytes/4
// heuristic.
func EstimateTokens(text string) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// ProjectRequestCost estimates the worst-case cost of a request: estimated
// prompt tokens in, the full max_tokens allowance out.
func ProjectRequestCost(client provider.Client, req provider.Request) float64 {
	var promptTokens int
	for _, m := range req.Messages {
		promptTokens += EstimateTokens(m.Content)
	}
	maxOut := req.MaxTokens
	if maxOut <= 0 {
		maxOut = 4096
	}
	return client.CostEstimate(int64(promptTokens), int64(maxOut), req.Model)
}
