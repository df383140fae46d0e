// Package engine drives workflows through their phase plans: it owns the
// workflow state machine, supervises one goroutine per running workflow,
// and orchestrates the router, consensus, provider, and cost layers.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"drover/internal/async"
	"drover/internal/consensus"
	"drover/internal/cost"
	drovererrors "drover/internal/errors"
	"drover/internal/event"
	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/provider"
	"drover/internal/router"
	"drover/internal/state"
	"drover/internal/workspace"
)

// Config tunes engine behavior. Zero values fall back to DefaultConfig.
type Config struct {
	DefaultMaxAttempts     int  `mapstructure:"default_max_attempts"`
	PhaseTimeoutSeconds    int  `mapstructure:"phase_timeout_seconds"`
	CallTimeoutSeconds     int  `mapstructure:"call_timeout_seconds"`
	WorkflowTimeoutSeconds int  `mapstructure:"workflow_timeout_seconds"`
	StuckThresholdSeconds  int  `mapstructure:"stuck_threshold_seconds"`
	ArchiveRetentionDays   int  `mapstructure:"archive_retention_days"`
	DisableTestValidation  bool `mapstructure:"disable_test_validation"`
	AllocatePorts          bool `mapstructure:"allocate_ports"`

	// DefaultBudgetUSD applies to workflows created without an explicit
	// budget. Zero leaves spend uncapped.
	DefaultBudgetUSD float64 `mapstructure:"-"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAttempts:    3,
		PhaseTimeoutSeconds:   600,
		CallTimeoutSeconds:    120,
		StuckThresholdSeconds: 3600,
		ArchiveRetentionDays:  30,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if c.PhaseTimeoutSeconds <= 0 {
		c.PhaseTimeoutSeconds = def.PhaseTimeoutSeconds
	}
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = def.CallTimeoutSeconds
	}
	if c.StuckThresholdSeconds <= 0 {
		c.StuckThresholdSeconds = def.StuckThresholdSeconds
	}
	if c.ArchiveRetentionDays <= 0 {
		c.ArchiveRetentionDays = def.ArchiveRetentionDays
	}
	return c
}

// Deps are the collaborators injected at construction. Store, Bus, Registry,
// and Router are required; the rest degrade to no-ops when nil.
type Deps struct {
	Store     *state.Store
	Bus       *event.Bus
	Registry  *provider.Registry
	Router    *router.Router
	Consensus *consensus.Engine
	Cost      *cost.Tracker
	Issues    workspace.IssueSource
	Workspace workspace.Workspace
	Tests     workspace.TestRunner

	// ConsensusGroups are the named groups from configuration; a routing
	// decision may reference one by name in place of an inline provider list.
	ConsensusGroups map[string]consensus.Config

	Metrics *observability.MetricsCollector
	Logger  logging.Logger
}

// Engine executes workflows. One supervising goroutine runs per active
// workflow; all cross-workflow coordination happens through the state store.
type Engine struct {
	cfg       Config
	store     *state.Store
	bus       *event.Bus
	registry  *provider.Registry
	router    *router.Router
	consensus *consensus.Engine
	cost      *cost.Tracker
	issues    workspace.IssueSource
	ws        workspace.Workspace
	tests     workspace.TestRunner
	groups    map[string]consensus.Config
	ports     *PortAllocator
	metrics   *observability.MetricsCollector
	logger    logging.Logger
	cron      *cron.Cron

	retryConfig drovererrors.RetryConfig

	mu     sync.Mutex
	runs   map[string]*workflowRun
	closed bool
	wg     sync.WaitGroup
}

// workflowRun is the in-process handle for one supervised workflow.
type workflowRun struct {
	cancel context.CancelFunc
	pause  atomic.Bool

	mu           sync.Mutex
	cancelReason string
}

func (r *workflowRun) requestCancel(reason string) {
	r.mu.Lock()
	if r.cancelReason == "" {
		r.cancelReason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *workflowRun) reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelReason
}

// New wires an engine from its collaborators.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Bus == nil || deps.Registry == nil || deps.Router == nil {
		return nil, fmt.Errorf("engine requires store, bus, registry, and router")
	}
	cfg = cfg.withDefaults()
	logger := logging.OrNop(deps.Logger)

	cons := deps.Consensus
	if cons == nil {
		cons = consensus.New(deps.Registry, logger)
	}
	tracker := deps.Cost
	if tracker == nil {
		tracker = cost.NewTracker(deps.Store, deps.Bus, deps.Metrics, logger)
	}
	issues := deps.Issues
	if issues == nil {
		issues = workspace.NopIssueSource{}
	}

	retryConfig := drovererrors.DefaultRetryConfig()
	retryConfig.MaxAttempts = cfg.DefaultMaxAttempts

	return &Engine{
		cfg:         cfg,
		store:       deps.Store,
		bus:         deps.Bus,
		registry:    deps.Registry,
		router:      deps.Router,
		consensus:   cons,
		cost:        tracker,
		issues:      issues,
		ws:          deps.Workspace,
		tests:       deps.Tests,
		groups:      deps.ConsensusGroups,
		ports:       NewPortAllocator(deps.Store, logger),
		metrics:     deps.Metrics,
		logger:      logger,
		retryConfig: retryConfig,
		runs:        make(map[string]*workflowRun),
	}, nil
}

// CreateSpec carries caller input for a new workflow.
type CreateSpec struct {
	Name            string
	Kind            state.WorkflowKind
	TaskDescription string
	IssueRef        string
	Branch          string
	BaseBranch      string
	Tags            []string
	Metadata        map[string]string
	ModelSet        state.ModelSet
	BudgetUSD       float64
}

// Create persists a workflow in `created` and publishes workflow_created.
func (e *Engine) Create(ctx context.Context, spec CreateSpec) (*state.Workflow, error) {
	if spec.Kind == "" {
		spec.Kind = state.KindStandard
	}
	if _, err := PhasePlan(spec.Kind); err != nil {
		return nil, drovererrors.NewPermanentError(err, "invalid workflow kind")
	}
	if spec.ModelSet == "" {
		spec.ModelSet = state.ModelSetBase
	}
	if spec.BaseBranch == "" {
		spec.BaseBranch = "main"
	}
	if spec.BudgetUSD == 0 {
		spec.BudgetUSD = e.cfg.DefaultBudgetUSD
	}

	description := spec.TaskDescription
	issueClass := state.IssueClass("")
	if spec.IssueRef != "" {
		issue, err := e.issues.Fetch(ctx, spec.IssueRef)
		if err != nil {
			return nil, fmt.Errorf("fetch issue %s: %w", spec.IssueRef, err)
		}
		if description == "" {
			description = issue.Title
		}
		if issue.Body != "" {
			description = strings.TrimSpace(description + "\n\n" + issue.Body)
		}
		issueClass = classifyLabels(issue.Labels)
	}
	if description == "" {
		return nil, drovererrors.NewPermanentError(fmt.Errorf("empty task"), "a task description or issue_ref is required")
	}

	now := time.Now().UTC()
	w := &state.Workflow{
		ID:              uuid.NewString(),
		Name:            spec.Name,
		Kind:            spec.Kind,
		State:           state.StateCreated,
		TaskDescription: description,
		CreatedAt:       now,
		LastActivityAt:  now,
		IssueRef:        spec.IssueRef,
		Branch:          spec.Branch,
		BaseBranch:      spec.BaseBranch,
		Tags:            spec.Tags,
		Metadata:        spec.Metadata,
		BudgetUSD:       spec.BudgetUSD,
		IssueClass:      issueClass,
		ModelSet:        spec.ModelSet,
	}
	created, err := e.store.CreateWorkflow(ctx, w)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(*created)
	if e.metrics != nil {
		e.metrics.RecordWorkflowCreated(ctx, string(w.Kind))
	}
	e.logger.Info("workflow %s created (kind=%s name=%q)", w.ID, w.Kind, w.Name)
	return w, nil
}

// Start moves a workflow into `running` and begins phase execution in a
// supervising goroutine.
func (e *Engine) Start(ctx context.Context, id string) error {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.State == state.StateCreated {
		ev, err := e.store.TransitionWorkflow(ctx, id, state.StateCreated, state.StateInitialized,
			state.WithTransitionEvent(event.New(event.TypeWorkflowStateChanged, id).
				WithTransition(string(state.StateCreated), string(state.StateInitialized))))
		if err != nil {
			return err
		}
		e.bus.Publish(*ev)
		w.State = state.StateInitialized
	}
	if w.State != state.StateInitialized {
		return &state.InvalidTransitionError{WorkflowID: id, From: w.State, To: state.StateRunning}
	}

	if e.ws != nil && w.Branch != "" && w.WorktreePath == "" {
		path, err := e.ws.CreateWorktree(ctx, w.Branch, w.BaseBranch)
		if err != nil {
			return fmt.Errorf("create worktree for %s: %w", id, err)
		}
		if err := e.store.SetWorkflowWorktree(ctx, id, w.Branch, path); err != nil {
			return err
		}
		w.WorktreePath = path
	}

	now := time.Now().UTC()
	ev, err := e.store.TransitionWorkflow(ctx, id, state.StateInitialized, state.StateRunning,
		state.WithStartedAt(now),
		state.WithTransitionEvent(event.New(event.TypeWorkflowStateChanged, id).
			WithTransition(string(state.StateInitialized), string(state.StateRunning)).
			WithMessage("workflow started")))
	if err != nil {
		return err
	}
	e.bus.Publish(*ev)

	if e.cfg.AllocatePorts {
		pair, err := e.ports.Allocate(ctx, id)
		if err != nil {
			return err
		}
		e.emit(ctx, event.New(event.TypeResourceAllocated, id).
			WithMessage("ports allocated: backend=%d frontend=%d", pair.Backend, pair.Frontend).
			WithMetadata("backend_port", pair.Backend).
			WithMetadata("frontend_port", pair.Frontend))
	}

	if e.metrics != nil {
		e.metrics.WorkflowActiveDelta(ctx, 1)
	}
	return e.supervise(id)
}

// Pause requests a cooperative pause, honored at the next phase boundary.
// Workflows with no live supervisor are paused directly.
func (e *Engine) Pause(ctx context.Context, id string) error {
	e.mu.Lock()
	run, active := e.runs[id]
	e.mu.Unlock()
	if active {
		run.pause.Store(true)
		e.logger.Info("pause requested for workflow %s", id)
		return nil
	}

	ev, err := e.store.TransitionWorkflow(ctx, id, state.StateRunning, state.StatePaused,
		state.WithTransitionEvent(event.New(event.TypeWorkflowPaused, id).
			WithTransition(string(state.StateRunning), string(state.StatePaused))))
	if err != nil {
		return err
	}
	e.bus.Publish(*ev)
	return nil
}

// Resume restarts a paused or stuck workflow from its next incomplete phase.
func (e *Engine) Resume(ctx context.Context, id string) error {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	from := w.State
	if from != state.StatePaused && from != state.StateStuck {
		return &state.InvalidTransitionError{WorkflowID: id, From: from, To: state.StateRunning}
	}
	ev, err := e.store.TransitionWorkflow(ctx, id, from, state.StateRunning,
		state.WithTransitionEvent(event.New(event.TypeWorkflowResumed, id).
			WithTransition(string(from), string(state.StateRunning))))
	if err != nil {
		return err
	}
	e.bus.Publish(*ev)
	if err := e.cost.Load(ctx, id); err != nil {
		e.logger.Warn("seed cost totals for %s: %v", id, err)
	}
	if e.metrics != nil {
		e.metrics.WorkflowActiveDelta(ctx, 1)
	}
	return e.supervise(id)
}

// Cancel requests cooperative cancellation. In-flight provider calls observe
// the cancel and return promptly; the supervisor finalizes the workflow.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	e.mu.Lock()
	run, active := e.runs[id]
	e.mu.Unlock()
	if active {
		run.requestCancel(reason)
		e.logger.Info("cancellation requested for workflow %s: %s", id, reason)
		return nil
	}

	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if !state.CanTransition(w.State, state.StateCancelled) {
		return &state.InvalidTransitionError{WorkflowID: id, From: w.State, To: state.StateCancelled}
	}
	return e.finalize(ctx, w, w.State, state.StateCancelled, 130, reason, event.TypeWorkflowCancelled)
}

// Get returns the workflow row.
func (e *Engine) Get(ctx context.Context, id string) (*state.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// List returns workflows matching the filter.
func (e *Engine) List(ctx context.Context, filter state.ListFilter) ([]*state.Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}

// Phases returns every phase attempt of a workflow in plan order.
func (e *Engine) Phases(ctx context.Context, id string) ([]*state.Phase, error) {
	return e.store.ListPhases(ctx, id)
}

// Events returns a workflow's events after sinceSeq.
func (e *Engine) Events(ctx context.Context, id string, sinceSeq int64, limit int) ([]event.Event, error) {
	return e.store.Events(ctx, id, sinceSeq, limit)
}

// Archive finalizes a terminal workflow. Calling it on an already archived
// workflow is a no-op.
func (e *Engine) Archive(ctx context.Context, id string) error {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.State == state.StateArchived {
		return nil
	}
	ev, err := e.store.ArchiveWorkflow(ctx, id)
	if err != nil {
		return err
	}
	e.bus.Publish(*ev)
	return nil
}

// Stats returns current store-wide counters.
func (e *Engine) Stats(ctx context.Context) (*state.StoreStats, error) {
	return e.store.Stats(ctx)
}

// Close stops accepting work, cancels every active supervisor, and waits for
// them to finish.
func (e *Engine) Close() {
	e.StopMaintenance()
	e.mu.Lock()
	e.closed = true
	for _, run := range e.runs {
		run.requestCancel("engine shutdown")
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// supervise registers a run handle and spawns the supervising goroutine.
func (e *Engine) supervise(id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine is shut down")
	}
	if _, exists := e.runs[id]; exists {
		e.mu.Unlock()
		return fmt.Errorf("workflow %s is already supervised", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if e.cfg.WorkflowTimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(e.cfg.WorkflowTimeoutSeconds)*time.Second)
	}
	run := &workflowRun{cancel: cancel}
	e.runs[id] = run
	e.wg.Add(1)
	e.mu.Unlock()

	async.Go(e.logger, "workflow-"+id, func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.runs, id)
			e.mu.Unlock()
		}()
		e.runWorkflow(ctx, id, run)
	})
	return nil
}

// emit persists an event and publishes it after the write commits.
func (e *Engine) emit(ctx context.Context, ev event.Event) {
	persisted, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		e.logger.Error("append %s event for %s: %v", ev.EventType, ev.WorkflowID, err)
		persisted = ev
	}
	e.bus.Publish(persisted)
}

// classifyLabels maps tracker labels onto an issue class.
func classifyLabels(labels []string) state.IssueClass {
	for _, label := range labels {
		switch strings.ToLower(label) {
		case "bug", "defect":
			return state.IssueBug
		case "feature", "enhancement":
			return state.IssueFeature
		case "test", "testing":
			return state.IssueTest
		case "refactor", "cleanup":
			return state.IssueRefactor
		case "docs", "documentation":
			return state.IssueDocs
		case "chore":
			return state.IssueChore
		}
	}
	return ""
}
