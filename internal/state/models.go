// Package state implements the durable workflow store: SQLite with WAL,
// additive migrations, a single writer goroutine, and typed operations for
// workflows, phases, events, and metrics aggregates.
package state

import (
	"fmt"
	"time"
)

// WorkflowState is the lifecycle state of a workflow.
type WorkflowState string

const (
	StateCreated     WorkflowState = "created"
	StateInitialized WorkflowState = "initialized"
	StateRunning     WorkflowState = "running"
	StatePaused      WorkflowState = "paused"
	StateCompleted   WorkflowState = "completed"
	StateFailed      WorkflowState = "failed"
	StateCancelled   WorkflowState = "cancelled"
	StateStuck       WorkflowState = "stuck"
	StateArchived    WorkflowState = "archived"
)

// validTransitions is the workflow state machine. Any pair not listed is
// rejected with an InvalidTransitionError.
var validTransitions = map[WorkflowState][]WorkflowState{
	StateCreated:     {StateInitialized},
	StateInitialized: {StateRunning},
	StateRunning:     {StateCompleted, StateFailed, StateCancelled, StatePaused, StateStuck},
	StatePaused:      {StateRunning, StateCancelled},
	StateStuck:       {StateRunning, StateFailed, StateCancelled},
	StateCompleted:   {StateArchived},
	StateFailed:      {StateArchived},
	StateCancelled:   {StateArchived},
}

// CanTransition reports whether from → to is a legal workflow transition.
func CanTransition(from, to WorkflowState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal (archivable) state.
func (s WorkflowState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a recognized workflow state.
func (s WorkflowState) Valid() bool {
	switch s {
	case StateCreated, StateInitialized, StateRunning, StatePaused,
		StateCompleted, StateFailed, StateCancelled, StateStuck, StateArchived:
		return true
	}
	return false
}

// WorkflowKind selects the phase plan a workflow executes.
type WorkflowKind string

const (
	KindStandard   WorkflowKind = "standard"
	KindTDD        WorkflowKind = "tdd"
	KindPlanOnly   WorkflowKind = "plan-only"
	KindTestOnly   WorkflowKind = "test-only"
	KindReviewOnly WorkflowKind = "review-only"
)

// Valid reports whether k is a recognized workflow kind.
func (k WorkflowKind) Valid() bool {
	switch k {
	case KindStandard, KindTDD, KindPlanOnly, KindTestOnly, KindReviewOnly:
		return true
	}
	return false
}

// ModelSet selects the model tier used by the router.
type ModelSet string

const (
	ModelSetBase     ModelSet = "base"
	ModelSetFast     ModelSet = "fast"
	ModelSetPowerful ModelSet = "powerful"
)

// Valid reports whether m is a recognized model set.
func (m ModelSet) Valid() bool {
	switch m {
	case ModelSetBase, ModelSetFast, ModelSetPowerful:
		return true
	}
	return false
}

// IssueClass categorizes the work a workflow carries.
type IssueClass string

const (
	IssueFeature  IssueClass = "feature"
	IssueBug      IssueClass = "bug"
	IssueTest     IssueClass = "test"
	IssueRefactor IssueClass = "refactor"
	IssueDocs     IssueClass = "docs"
	IssueChore    IssueClass = "chore"
)

// Valid reports whether c is a recognized issue class.
func (c IssueClass) Valid() bool {
	switch c {
	case IssueFeature, IssueBug, IssueTest, IssueRefactor, IssueDocs, IssueChore:
		return true
	}
	return false
}

// Port pool boundaries.
const (
	BackendPortMin  = 9100
	BackendPortMax  = 9199
	FrontendPortMin = 9200
	FrontendPortMax = 9299
)

// Workflow is the top-level orchestration unit.
type Workflow struct {
	ID    string        `db:"id" json:"id"`
	Name  string        `db:"name" json:"name"`
	Kind  WorkflowKind  `db:"kind" json:"kind"`
	State WorkflowState `db:"state" json:"state"`

	TaskDescription string `db:"task_description" json:"task_description"`

	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	LastActivityAt time.Time  `db:"last_activity_at" json:"last_activity_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ArchivedAt     *time.Time `db:"archived_at" json:"archived_at,omitempty"`

	IssueRef     string `db:"issue_ref" json:"issue_ref,omitempty"`
	Branch       string `db:"branch" json:"branch,omitempty"`
	BaseBranch   string `db:"base_branch" json:"base_branch"`
	WorktreePath string `db:"worktree_path" json:"worktree_path,omitempty"`

	Tags     []string          `db:"-" json:"tags,omitempty"`
	Metadata map[string]string `db:"-" json:"metadata,omitempty"`

	ExitCode     *int   `db:"exit_code" json:"exit_code,omitempty"`
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int    `db:"retry_count" json:"retry_count"`

	CostUSD     float64 `db:"cost_usd" json:"cost_usd"`
	TotalTokens int64   `db:"total_tokens" json:"total_tokens"`
	PhaseCount  int     `db:"phase_count" json:"phase_count"`
	BudgetUSD   float64 `db:"budget_usd" json:"budget_usd,omitempty"`

	BackendPort  *int       `db:"backend_port" json:"backend_port,omitempty"`
	FrontendPort *int       `db:"frontend_port" json:"frontend_port,omitempty"`
	IssueClass   IssueClass `db:"issue_class" json:"issue_class,omitempty"`
	ModelSet     ModelSet   `db:"model_set" json:"model_set"`
}

// Validate checks enum membership and port ranges before insertion.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow missing id")
	}
	if !w.Kind.Valid() {
		return fmt.Errorf("unknown workflow kind %q", w.Kind)
	}
	if !w.State.Valid() {
		return fmt.Errorf("unknown workflow state %q", w.State)
	}
	if !w.ModelSet.Valid() {
		return fmt.Errorf("unknown model set %q", w.ModelSet)
	}
	if w.IssueClass != "" && !w.IssueClass.Valid() {
		return fmt.Errorf("unknown issue class %q", w.IssueClass)
	}
	if w.BackendPort != nil && (*w.BackendPort < BackendPortMin || *w.BackendPort > BackendPortMax) {
		return fmt.Errorf("backend port %d outside %d-%d", *w.BackendPort, BackendPortMin, BackendPortMax)
	}
	if w.FrontendPort != nil && (*w.FrontendPort < FrontendPortMin || *w.FrontendPort > FrontendPortMax) {
		return fmt.Errorf("frontend port %d outside %d-%d", *w.FrontendPort, FrontendPortMin, FrontendPortMax)
	}
	if w.CostUSD < 0 || w.TotalTokens < 0 || w.PhaseCount < 0 || w.RetryCount < 0 {
		return fmt.Errorf("negative counters on workflow %s", w.ID)
	}
	return nil
}

// PhaseState is the lifecycle state of a phase attempt.
type PhaseState string

const (
	PhasePending   PhaseState = "pending"
	PhaseRunning   PhaseState = "running"
	PhaseCompleted PhaseState = "completed"
	PhaseFailed    PhaseState = "failed"
	PhaseSkipped   PhaseState = "skipped"
)

// Valid reports whether s is a recognized phase state.
func (s PhaseState) Valid() bool {
	switch s {
	case PhasePending, PhaseRunning, PhaseCompleted, PhaseFailed, PhaseSkipped:
		return true
	}
	return false
}

// phaseTransitions is the forward-only phase state machine.
var phaseTransitions = map[PhaseState][]PhaseState{
	PhasePending: {PhaseRunning, PhaseSkipped},
	PhaseRunning: {PhaseCompleted, PhaseFailed},
}

// CanTransitionPhase reports whether from → to is a legal phase transition.
func CanTransitionPhase(from, to PhaseState) bool {
	for _, allowed := range phaseTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PhaseName identifies a step in a workflow plan.
type PhaseName string

const (
	PhasePlan          PhaseName = "plan"
	PhaseBuild         PhaseName = "build"
	PhaseTest          PhaseName = "test"
	PhaseReview        PhaseName = "review"
	PhaseDeploy        PhaseName = "deploy"
	PhaseGenerateTests PhaseName = "generate_tests"
	PhaseVerifyRed     PhaseName = "verify_red"
	PhaseVerifyGreen   PhaseName = "verify_green"
	PhaseRefactor      PhaseName = "refactor"
)

// Valid reports whether n is a recognized phase name.
func (n PhaseName) Valid() bool {
	switch n {
	case PhasePlan, PhaseBuild, PhaseTest, PhaseReview, PhaseDeploy,
		PhaseGenerateTests, PhaseVerifyRed, PhaseVerifyGreen, PhaseRefactor:
		return true
	}
	return false
}

// Phase is one execution attempt of a named step. (workflow_id, name,
// attempt) is unique.
type Phase struct {
	ID         int64      `db:"id" json:"id"`
	WorkflowID string     `db:"workflow_id" json:"workflow_id"`
	Name       PhaseName  `db:"name" json:"name"`
	Index      int        `db:"idx" json:"index"`
	Attempt    int        `db:"attempt" json:"attempt"`
	MaxAttempts int       `db:"max_attempts" json:"max_attempts"`
	State      PhaseState `db:"state" json:"state"`

	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationSeconds *float64   `db:"duration_seconds" json:"duration_seconds,omitempty"`

	ExitCode     *int   `db:"exit_code" json:"exit_code,omitempty"`
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`

	LLMRequests  int     `db:"llm_requests" json:"llm_requests"`
	LLMTokensIn  int64   `db:"llm_tokens_in" json:"llm_tokens_in"`
	LLMTokensOut int64   `db:"llm_tokens_out" json:"llm_tokens_out"`
	CostUSD      float64 `db:"cost_usd" json:"cost_usd"`
}

// Validate checks enum membership before insertion.
func (p *Phase) Validate() error {
	if p.WorkflowID == "" {
		return fmt.Errorf("phase missing workflow_id")
	}
	if !p.Name.Valid() {
		return fmt.Errorf("unknown phase name %q", p.Name)
	}
	if !p.State.Valid() {
		return fmt.Errorf("unknown phase state %q", p.State)
	}
	if p.Attempt < 1 {
		return fmt.Errorf("phase attempt must be >= 1, got %d", p.Attempt)
	}
	return nil
}

// MetricsAggregate is a daily rollup per (date, kind). Recomputed on demand;
// not authoritative.
type MetricsAggregate struct {
	Date                 string       `db:"date" json:"date"`
	Kind                 WorkflowKind `db:"kind" json:"kind"`
	WorkflowsTotal       int          `db:"workflows_total" json:"workflows_total"`
	WorkflowsCompleted   int          `db:"workflows_completed" json:"workflows_completed"`
	WorkflowsFailed      int          `db:"workflows_failed" json:"workflows_failed"`
	TotalDurationSeconds float64      `db:"total_duration_seconds" json:"total_duration_seconds"`
	TotalCostUSD         float64      `db:"total_cost_usd" json:"total_cost_usd"`
	TotalTokens          int64        `db:"total_tokens" json:"total_tokens"`
	SuccessRate          float64      `db:"success_rate" json:"success_rate"`
}

// ListFilter narrows workflow listings. Zero values match everything.
type ListFilter struct {
	States          []WorkflowState
	Kinds           []WorkflowKind
	IssueRef        string
	Tag             string
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	IncludeArchived bool
	Limit           int
	Offset          int
}
