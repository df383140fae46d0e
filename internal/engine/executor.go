package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drover/internal/consensus"
	"drover/internal/cost"
	drovererrors "drover/internal/errors"
	"drover/internal/event"
	"drover/internal/provider"
	"drover/internal/router"
	"drover/internal/state"
)

// runWorkflow is the supervising goroutine body: it sequences the phase plan,
// honors pause at phase boundaries, and finalizes the workflow.
func (e *Engine) runWorkflow(ctx context.Context, id string, run *workflowRun) {
	bg := context.Background()
	w, err := e.store.GetWorkflow(bg, id)
	if err != nil {
		e.logger.Error("supervisor load workflow %s: %v", id, err)
		return
	}
	plan, err := PhasePlan(w.Kind)
	if err != nil {
		e.failWorkflow(bg, w, err.Error())
		return
	}

	start, err := e.nextPhaseIndex(bg, id, plan)
	if err != nil {
		e.logger.Error("supervisor scan phases for %s: %v", id, err)
		return
	}

	transcript := make(map[state.PhaseName]string)
	for i := start; i < len(plan); i++ {
		if run.pause.Load() {
			e.pauseAtBoundary(bg, id)
			return
		}
		if ctx.Err() != nil {
			e.cancelWorkflow(bg, w, run.reason())
			return
		}

		name := plan[i]
		if err := e.executePhase(ctx, w, name, i, plan, transcript); err != nil {
			if ctx.Err() != nil || isCancelled(err) {
				e.cancelWorkflow(bg, w, run.reason())
				return
			}
			if optionalPhases[name] {
				e.logger.Warn("optional phase %s failed for %s, skipping ahead: %v", name, id, err)
				continue
			}
			e.failWorkflow(bg, w, err.Error())
			return
		}
		// Refresh worktree and usage fields mutated by phase execution.
		if fresh, err := e.store.GetWorkflow(bg, id); err == nil {
			w = fresh
		}
	}

	e.completeWorkflow(bg, w, transcript)
}

// nextPhaseIndex finds the first plan entry with no completed or skipped
// attempt, so a resumed workflow does not repeat finished phases.
func (e *Engine) nextPhaseIndex(ctx context.Context, id string, plan []state.PhaseName) (int, error) {
	phases, err := e.store.ListPhases(ctx, id)
	if err != nil {
		return 0, err
	}
	finished := make(map[state.PhaseName]bool)
	for _, p := range phases {
		if p.State == state.PhaseCompleted || p.State == state.PhaseSkipped {
			finished[p.Name] = true
		}
	}
	for i, name := range plan {
		if !finished[name] {
			return i, nil
		}
	}
	return len(plan), nil
}

// executePhase runs one phase to completion across retry attempts. The phase
// timeout covers every attempt including backoff sleeps.
func (e *Engine) executePhase(ctx context.Context, w *state.Workflow, name state.PhaseName, idx int, plan []state.PhaseName, transcript map[state.PhaseName]string) error {
	phaseCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.PhaseTimeoutSeconds)*time.Second)
	defer cancel()

	// Persistence must survive cooperative cancellation so failed attempts
	// are still recorded.
	persist := context.Background()

	if isVerifyPhase(name) && e.cfg.DisableTestValidation {
		p := &state.Phase{WorkflowID: w.ID, Name: name, Index: idx, Attempt: 1,
			MaxAttempts: e.cfg.DefaultMaxAttempts, State: state.PhasePending}
		if err := e.store.InsertPhase(persist, p); err != nil {
			return err
		}
		e.logger.Warn("test validation disabled, skipping %s for workflow %s", name, w.ID)
		return e.store.SkipPhase(persist, p.ID, "test validation disabled")
	}

	attemptsUsed, err := e.store.ListPhases(persist, w.ID)
	if err != nil {
		return err
	}
	firstAttempt := 1
	for _, p := range attemptsUsed {
		if p.Name == name && p.Attempt >= firstAttempt {
			firstAttempt = p.Attempt + 1
		}
	}

	var lastErr error
	for attempt := firstAttempt; attempt < firstAttempt+e.cfg.DefaultMaxAttempts; attempt++ {
		p := &state.Phase{WorkflowID: w.ID, Name: name, Index: idx, Attempt: attempt,
			MaxAttempts: e.cfg.DefaultMaxAttempts, State: state.PhasePending}
		if err := e.store.InsertPhase(persist, p); err != nil {
			return err
		}
		if err := e.store.StartPhase(persist, p.ID); err != nil {
			return err
		}
		started := time.Now()
		e.emit(persist, event.New(event.TypePhaseStarted, w.ID).
			WithPhase(string(name)).
			WithMessage("phase %s attempt %d started", name, attempt))

		output, exitCode, execErr := e.runPhaseBody(phaseCtx, w, name, p.ID, plan, transcript)
		if e.metrics != nil {
			e.metrics.RecordPhaseDuration(persist, string(name), time.Since(started).Seconds())
		}

		if execErr == nil {
			if err := e.store.FinishPhase(persist, p.ID, state.PhaseCompleted, &exitCode, ""); err != nil {
				return err
			}
			e.emit(persist, event.New(event.TypePhaseCompleted, w.ID).
				WithPhase(string(name)).
				WithMessage("phase %s completed on attempt %d", name, attempt))
			transcript[name] = output
			if err := e.store.TouchActivity(persist, w.ID); err != nil {
				e.logger.Warn("touch activity for %s: %v", w.ID, err)
			}
			return nil
		}

		lastErr = execErr
		message := execErr.Error()
		if ctx.Err() != nil || isCancelled(execErr) {
			message = "cancelled"
		}
		code := exitCode
		if code == 0 {
			code = 1
		}
		if err := e.store.FinishPhase(persist, p.ID, state.PhaseFailed, &code, message); err != nil {
			return err
		}
		e.emit(persist, event.New(event.TypePhaseFailed, w.ID).
			WithSeverity(event.SeverityError).
			WithPhase(string(name)).
			WithMessage("phase %s attempt %d failed: %s", name, attempt, truncateMessage(message)))

		if message == "cancelled" {
			return execErr
		}
		retriesLeft := attempt < firstAttempt+e.cfg.DefaultMaxAttempts-1
		if !retriesLeft || !drovererrors.IsTransient(execErr) {
			return execErr
		}

		delay := drovererrors.Backoff(attempt-firstAttempt+1, e.retryConfig)
		if hint := drovererrors.RetryAfterHint(execErr); hint > 0 {
			delay = time.Duration(hint) * time.Second
		}
		e.logger.Info("retrying phase %s of %s in %v (attempt %d failed: %v)", name, w.ID, delay, attempt, execErr)
		select {
		case <-time.After(delay):
		case <-phaseCtx.Done():
			return drovererrors.NewTransientError(phaseCtx.Err(), "phase timeout during backoff")
		}
	}
	return lastErr
}

// runPhaseBody executes the body of one attempt: a test run for verify
// phases, otherwise a routed provider call or consensus fan-out.
func (e *Engine) runPhaseBody(ctx context.Context, w *state.Workflow, name state.PhaseName, phaseID int64, plan []state.PhaseName, transcript map[state.PhaseName]string) (string, int, error) {
	if isVerifyPhase(name) {
		return e.runVerifyPhase(ctx, w, name)
	}

	decision := e.router.Route(router.Key{Phase: name, Kind: w.Kind, ModelSet: w.ModelSet, Tags: w.Tags})
	req := provider.Request{
		Model:       decision.Model,
		MaxTokens:   decision.MaxTokens,
		Temperature: decision.Temperature,
		Messages: []provider.Message{
			{Role: "system", Content: phaseSystemPrompts[name]},
			{Role: "user", Content: buildPhasePrompt(w, name, transcript, plan)},
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.CallTimeoutSeconds)*time.Second)
	defer cancel()

	if decision.UseConsensus {
		return e.runConsensusPhase(callCtx, w, phaseID, decision, req)
	}

	client, err := e.registry.Get(decision.Provider)
	if err != nil {
		return "", 0, drovererrors.NewPermanentError(err, "routing decision names an unregistered provider")
	}
	if err := e.cost.CheckBudget(w.ID, w.BudgetUSD, cost.ProjectRequestCost(client, req)); err != nil {
		return "", 0, err
	}

	resp, err := e.registry.Execute(callCtx, decision.Provider, req)
	if err != nil {
		return "", 0, provider.Classify(err)
	}
	if err := e.cost.Record(context.Background(), w.ID, phaseID, resp, w.BudgetUSD); err != nil {
		return "", 0, err
	}
	return resp.Text, 0, nil
}

// runConsensusPhase resolves the decision's consensus group and records every
// participating response against the phase.
func (e *Engine) runConsensusPhase(ctx context.Context, w *state.Workflow, phaseID int64, decision router.Decision, req provider.Request) (string, int, error) {
	cfg, err := e.resolveConsensus(decision)
	if err != nil {
		return "", 0, drovererrors.NewPermanentError(err, "invalid consensus decision")
	}

	if first, err := e.registry.Get(cfg.Providers[0]); err == nil {
		projected := cost.ProjectRequestCost(first, req) * float64(len(cfg.Providers))
		if err := e.cost.CheckBudget(w.ID, w.BudgetUSD, projected); err != nil {
			return "", 0, err
		}
	}

	result, err := e.consensus.Execute(ctx, cfg, req)
	if result != nil {
		for _, resp := range result.Responses {
			if recordErr := e.cost.Record(context.Background(), w.ID, phaseID, resp, w.BudgetUSD); recordErr != nil {
				e.logger.Warn("record consensus usage for %s: %v", w.ID, recordErr)
			}
		}
	}
	if err != nil {
		return "", 0, err
	}
	return result.Text, 0, nil
}

// resolveConsensus prefers a named group from configuration; otherwise the
// decision's inline provider list forms an ad-hoc majority group.
func (e *Engine) resolveConsensus(decision router.Decision) (consensus.Config, error) {
	if group, ok := e.groups[decision.ConsensusStrategy]; ok {
		return group, nil
	}
	cfg := consensus.Config{
		Providers:      decision.ConsensusProviders,
		Strategy:       consensus.Strategy(decision.ConsensusStrategy),
		MinSuccessful:  len(decision.ConsensusProviders)/2 + 1,
		TimeoutSeconds: e.cfg.CallTimeoutSeconds,
	}
	return cfg, cfg.Validate()
}

// runVerifyPhase executes the test suite and applies the red/green contract:
// verify_red expects failing tests, verify_green expects passing tests.
func (e *Engine) runVerifyPhase(ctx context.Context, w *state.Workflow, name state.PhaseName) (string, int, error) {
	if e.tests == nil {
		return "", 0, drovererrors.NewPermanentError(
			fmt.Errorf("no test runner configured"), "verify phases require a test runner")
	}
	dir := w.WorktreePath
	if dir == "" {
		dir = "."
	}
	result, err := e.tests.Run(ctx, dir)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, err
		}
		return "", 0, drovererrors.NewTransientError(err, "test runner failed to execute")
	}

	switch name {
	case state.PhaseVerifyRed:
		if result.ExitCode == 0 {
			return result.Output, 0, drovererrors.NewPermanentError(
				errTestsPassedInRed, errTestsPassedInRed.Error())
		}
	case state.PhaseVerifyGreen:
		if result.ExitCode != 0 {
			return result.Output, result.ExitCode, drovererrors.NewTransientError(
				fmt.Errorf("exit code %d", result.ExitCode), "tests failed in green phase")
		}
	}
	return result.Output, result.ExitCode, nil
}

var errTestsPassedInRed = errors.New("tests unexpectedly passed in red phase")

// pauseAtBoundary transitions a running workflow to paused between phases.
func (e *Engine) pauseAtBoundary(ctx context.Context, id string) {
	ev, err := e.store.TransitionWorkflow(ctx, id, state.StateRunning, state.StatePaused,
		state.WithTransitionEvent(event.New(event.TypeWorkflowPaused, id).
			WithTransition(string(state.StateRunning), string(state.StatePaused)).
			WithMessage("paused at phase boundary")))
	if err != nil {
		e.logger.Error("pause workflow %s: %v", id, err)
		return
	}
	e.bus.Publish(*ev)
	if e.metrics != nil {
		e.metrics.WorkflowActiveDelta(ctx, -1)
	}
	e.logger.Info("workflow %s paused", id)
}

// cancelWorkflow finalizes a cancelled workflow after in-flight work
// returned.
func (e *Engine) cancelWorkflow(ctx context.Context, w *state.Workflow, reason string) {
	if reason == "" {
		reason = "cancelled"
	}
	if err := e.finalize(ctx, w, state.StateRunning, state.StateCancelled, 130, reason, event.TypeWorkflowCancelled); err != nil {
		e.logger.Error("cancel workflow %s: %v", w.ID, err)
	}
}

// failWorkflow moves a running workflow to failed.
func (e *Engine) failWorkflow(ctx context.Context, w *state.Workflow, message string) {
	if err := e.finalize(ctx, w, state.StateRunning, state.StateFailed, 1, message, event.TypeWorkflowStateChanged); err != nil {
		e.logger.Error("fail workflow %s: %v", w.ID, err)
	}
}

// completeWorkflow finalizes a successful run and hands the result to the
// workspace and issue collaborators.
func (e *Engine) completeWorkflow(ctx context.Context, w *state.Workflow, transcript map[state.PhaseName]string) {
	if err := e.finalize(ctx, w, state.StateRunning, state.StateCompleted, 0, "", event.TypeWorkflowStateChanged); err != nil {
		e.logger.Error("complete workflow %s: %v", w.ID, err)
		return
	}
	if e.ws != nil && w.WorktreePath != "" {
		e.publishResult(ctx, w, transcript)
	}
	if w.IssueRef != "" {
		summary := fmt.Sprintf("Workflow %s (%s) completed: %d phases, %.4f USD.", w.ID, w.Kind, w.PhaseCount, e.cost.TotalCost(w.ID))
		if out := finalOutput(w.Kind, transcript); out != "" {
			summary += "\n\n" + truncateMessage(out)
		}
		if err := e.issues.PostComment(ctx, w.IssueRef, summary); err != nil {
			e.logger.Warn("post completion comment for %s: %v", w.ID, err)
		}
	}
}

// finalOutput returns the output of the last phase that produced one, in plan
// order. For a standard run that is the review verdict.
func finalOutput(kind state.WorkflowKind, transcript map[state.PhaseName]string) string {
	plan, err := PhasePlan(kind)
	if err != nil {
		return ""
	}
	for i := len(plan) - 1; i >= 0; i-- {
		if out := transcript[plan[i]]; out != "" {
			return out
		}
	}
	return ""
}

// publishResult commits, pushes, and opens a review for the worktree. These
// are best-effort: failures are logged, the workflow stays completed.
func (e *Engine) publishResult(ctx context.Context, w *state.Workflow, transcript map[state.PhaseName]string) {
	message := fmt.Sprintf("%s (workflow %s)", w.Name, w.ID)
	if err := e.ws.Commit(ctx, w.WorktreePath, message); err != nil {
		e.logger.Warn("commit worktree for %s: %v", w.ID, err)
		return
	}
	if err := e.ws.Push(ctx, w.WorktreePath); err != nil {
		e.logger.Warn("push worktree for %s: %v", w.ID, err)
		return
	}
	body := w.TaskDescription
	if out := finalOutput(w.Kind, transcript); out != "" {
		body = out
	}
	url, err := e.ws.OpenReview(ctx, w.WorktreePath, w.Name, body)
	if err != nil {
		e.logger.Warn("open review for %s: %v", w.ID, err)
		return
	}
	e.logger.Info("review opened for workflow %s: %s", w.ID, url)
}

// finalize performs the terminal transition, releases resources, and flushes
// metrics. eventType selects workflow_cancelled vs workflow_state_changed.
func (e *Engine) finalize(ctx context.Context, w *state.Workflow, from, to state.WorkflowState, exitCode int, message string, eventType event.Type) error {
	id := w.ID
	now := time.Now().UTC()
	severity := event.SeverityInfo
	if to == state.StateFailed {
		severity = event.SeverityError
	}
	ev := event.New(eventType, id).
		WithSeverity(severity).
		WithTransition(string(from), string(to))
	if message != "" {
		ev = ev.WithMessage("%s", truncateMessage(message))
	}

	opts := []state.TransitionOption{
		state.WithCompletedAt(now),
		state.WithExitCode(exitCode),
		state.WithTransitionEvent(ev),
	}
	if message != "" {
		opts = append(opts, state.WithErrorMessage(truncateMessage(message)))
	}
	persisted, err := e.store.TransitionWorkflow(ctx, id, from, to, opts...)
	if err != nil {
		return err
	}
	e.bus.Publish(*persisted)

	if released := e.releasePorts(ctx, id); released {
		e.emit(ctx, event.New(event.TypeResourceReleased, id).WithMessage("ports released"))
	}
	e.cost.Forget(id)
	if e.metrics != nil {
		e.metrics.WorkflowActiveDelta(ctx, -1)
		e.metrics.RecordWorkflowFinished(ctx, string(w.Kind), string(to))
	}
	e.logger.Info("workflow %s finished: %s", id, to)
	return nil
}

// releasePorts frees any port bindings and reports whether any were held.
func (e *Engine) releasePorts(ctx context.Context, id string) bool {
	before := e.ports.Allocated()
	if err := e.ports.Release(ctx, id); err != nil {
		e.logger.Warn("release ports for %s: %v", id, err)
		return false
	}
	return e.ports.Allocated() < before
}

// isCancelled reports whether err is a cooperative cancellation.
func isCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return provider.IsKind(err, provider.KindCancelled)
}

func truncateMessage(message string) string {
	const limit = 500
	if len(message) <= limit {
		return message
	}
	return message[:limit] + "..."
}
