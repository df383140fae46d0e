package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"drover/internal/event"
	"drover/internal/state"
)

// Recover scans the store after a restart: port bindings are reconciled,
// phases left running are marked failed/interrupted, and their workflows are
// parked in paused awaiting an operator resume.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.ports.Reconcile(ctx); err != nil {
		return err
	}

	phases, err := e.store.RunningPhases(ctx)
	if err != nil {
		return err
	}
	for _, p := range phases {
		if err := e.store.MarkPhaseInterrupted(ctx, p.ID); err != nil {
			e.logger.Error("mark phase %d interrupted: %v", p.ID, err)
			continue
		}
		e.emit(ctx, event.New(event.TypePhaseFailed, p.WorkflowID).
			WithSeverity(event.SeverityWarn).
			WithPhase(string(p.Name)).
			WithMessage("phase %s attempt %d interrupted by restart", p.Name, p.Attempt))
	}

	running, err := e.store.WorkflowsInState(ctx, state.StateRunning)
	if err != nil {
		return err
	}
	for _, w := range running {
		ev, err := e.store.TransitionWorkflow(ctx, w.ID, state.StateRunning, state.StatePaused,
			state.WithTransitionEvent(event.New(event.TypeWorkflowPaused, w.ID).
				WithSeverity(event.SeverityWarn).
				WithTransition(string(state.StateRunning), string(state.StatePaused)).
				WithMessage("workflow interrupted by restart, resume required").
				WithMetadata("reason", "resume_required")))
		if err != nil {
			e.logger.Error("park workflow %s for resume: %v", w.ID, err)
			continue
		}
		e.bus.Publish(*ev)
		e.logger.Warn("workflow %s parked in paused after restart", w.ID)
	}
	if len(running) > 0 || len(phases) > 0 {
		e.logger.Info("recovery parked %d workflows and interrupted %d phases", len(running), len(phases))
	}
	return nil
}

// StartMaintenance schedules the stuck reaper every minute and the daily
// rollup plus archive retention purge. Call StopMaintenance on shutdown.
func (e *Engine) StartMaintenance() {
	if e.cron != nil {
		return
	}
	e.cron = cron.New()
	e.cron.AddFunc("@every 1m", func() { e.SweepStuck(context.Background()) })
	e.cron.AddFunc("@daily", func() { e.RunDailyMaintenance(context.Background()) })
	e.cron.Start()
	e.logger.Info("maintenance scheduler started (stuck threshold %ds)", e.cfg.StuckThresholdSeconds)
}

// StopMaintenance halts the scheduler and waits for in-flight jobs.
func (e *Engine) StopMaintenance() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
	e.cron = nil
}

// SweepStuck marks running workflows with no recent activity as stuck.
// Workflows supervised by this process keep making progress and touch
// last_activity_at on every phase, so a stale row means a dead supervisor.
func (e *Engine) SweepStuck(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-time.Duration(e.cfg.StuckThresholdSeconds) * time.Second)
	stale, err := e.store.StaleRunning(ctx, cutoff)
	if err != nil {
		e.logger.Error("stuck sweep query: %v", err)
		return
	}
	for _, w := range stale {
		e.mu.Lock()
		_, supervised := e.runs[w.ID]
		e.mu.Unlock()
		if supervised {
			continue
		}
		ev, err := e.store.TransitionWorkflow(ctx, w.ID, state.StateRunning, state.StateStuck,
			state.WithTransitionEvent(event.New(event.TypeWorkflowStateChanged, w.ID).
				WithSeverity(event.SeverityWarn).
				WithTransition(string(state.StateRunning), string(state.StateStuck)).
				WithMessage("no activity since %s", w.LastActivityAt.Format(time.RFC3339))))
		if err != nil {
			e.logger.Error("mark workflow %s stuck: %v", w.ID, err)
			continue
		}
		e.bus.Publish(*ev)
		e.logger.Warn("workflow %s marked stuck (idle since %s)", w.ID, w.LastActivityAt.Format(time.RFC3339))
	}
}

// RunDailyMaintenance recomputes the daily metrics rollup and purges archived
// workflows past the retention window.
func (e *Engine) RunDailyMaintenance(ctx context.Context) {
	now := time.Now().UTC()
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		if err := e.store.RollupDaily(ctx, day); err != nil {
			e.logger.Error("daily rollup for %s: %v", day.Format("2006-01-02"), err)
		}
	}
	cutoff := now.AddDate(0, 0, -e.cfg.ArchiveRetentionDays)
	purged, err := e.store.PurgeArchived(ctx, cutoff)
	if err != nil {
		e.logger.Error("purge archived workflows: %v", err)
		return
	}
	if purged > 0 {
		e.logger.Info("purged %d archived workflows older than %s", purged, cutoff.Format("2006-01-02"))
	}
}
