package state

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// InsertPhase inserts a phase attempt and bumps the workflow's phase_count.
// The (workflow_id, name, attempt) uniqueness constraint rejects duplicate
// attempts.
func (s *Store) InsertPhase(ctx context.Context, p *Phase) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`INSERT INTO phases (
			workflow_id, name, idx, attempt, max_attempts, state,
			started_at, completed_at, duration_seconds,
			exit_code, error_message,
			llm_requests, llm_tokens_in, llm_tokens_out, cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.WorkflowID, p.Name, p.Index, p.Attempt, p.MaxAttempts, p.State,
			p.StartedAt, p.CompletedAt, p.DurationSeconds,
			p.ExitCode, p.ErrorMessage,
			p.LLMRequests, p.LLMTokensIn, p.LLMTokensOut, p.CostUSD)
		if err != nil {
			return fmt.Errorf("insert phase %s/%s attempt %d: %w", p.WorkflowID, p.Name, p.Attempt, err)
		}
		p.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE workflows SET phase_count = phase_count + 1, last_activity_at = ? WHERE id = ?`,
			time.Now().UTC(), p.WorkflowID)
		return err
	})
}

// StartPhase moves a pending phase to running and stamps started_at.
func (s *Store) StartPhase(ctx context.Context, phaseID int64) error {
	return s.transitionPhase(ctx, phaseID, PhasePending, PhaseRunning, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`UPDATE phases SET started_at = ? WHERE id = ?`, time.Now().UTC(), phaseID)
		return err
	})
}

// FinishPhase moves a running phase to completed or failed and stamps the
// completion timing.
func (s *Store) FinishPhase(ctx context.Context, phaseID int64, to PhaseState, exitCode *int, errorMessage string) error {
	if to != PhaseCompleted && to != PhaseFailed {
		return fmt.Errorf("finish phase %d: target state must be completed or failed, got %s", phaseID, to)
	}
	return s.transitionPhase(ctx, phaseID, PhaseRunning, to, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		_, err := tx.Exec(`UPDATE phases SET
			completed_at = ?,
			duration_seconds = CASE WHEN started_at IS NOT NULL
				THEN (julianday(?) - julianday(started_at)) * 86400.0 ELSE NULL END,
			exit_code = ?,
			error_message = ?
			WHERE id = ?`, now, now, exitCode, errorMessage, phaseID)
		return err
	})
}

// SkipPhase moves a pending phase directly to skipped.
func (s *Store) SkipPhase(ctx context.Context, phaseID int64, reason string) error {
	return s.transitionPhase(ctx, phaseID, PhasePending, PhaseSkipped, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`UPDATE phases SET error_message = ? WHERE id = ?`, reason, phaseID)
		return err
	})
}

func (s *Store) transitionPhase(ctx context.Context, phaseID int64, from, to PhaseState, extra func(tx *sqlx.Tx) error) error {
	if !CanTransitionPhase(from, to) {
		return fmt.Errorf("phase %d: invalid transition %s -> %s", phaseID, from, to)
	}
	return s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`UPDATE phases SET state = ? WHERE id = ? AND state = ?`, to, phaseID, from)
		if err != nil {
			return fmt.Errorf("transition phase %d %s->%s: %w", phaseID, from, to, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var actual PhaseState
			if err := tx.Get(&actual, `SELECT state FROM phases WHERE id = ?`, phaseID); err != nil {
				if isNoRows(err) {
					return fmt.Errorf("phase %d: %w", phaseID, ErrNotFound)
				}
				return err
			}
			return fmt.Errorf("phase %d: expected state %s, found %s", phaseID, from, actual)
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
}

// AddPhaseUsage accumulates provider usage on a phase attempt.
func (s *Store) AddPhaseUsage(ctx context.Context, phaseID int64, requests int, tokensIn, tokensOut int64, costUSD float64) error {
	if requests < 0 || tokensIn < 0 || tokensOut < 0 || costUSD < 0 {
		return fmt.Errorf("negative usage delta for phase %d", phaseID)
	}
	return s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`UPDATE phases SET
			llm_requests = llm_requests + ?,
			llm_tokens_in = llm_tokens_in + ?,
			llm_tokens_out = llm_tokens_out + ?,
			cost_usd = cost_usd + ?
			WHERE id = ?`, requests, tokensIn, tokensOut, costUSD, phaseID)
		if err != nil {
			return fmt.Errorf("add usage to phase %d: %w", phaseID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("phase %d: %w", phaseID, ErrNotFound)
		}
		return nil
	})
}

// GetPhase fetches one phase attempt by identity.
func (s *Store) GetPhase(ctx context.Context, workflowID string, name PhaseName, attempt int) (*Phase, error) {
	var p Phase
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM phases WHERE workflow_id = ? AND name = ? AND attempt = ?`, workflowID, name, attempt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("phase %s/%s attempt %d: %w", workflowID, name, attempt, ErrNotFound)
		}
		return nil, fmt.Errorf("get phase %s/%s attempt %d: %w", workflowID, name, attempt, err)
	}
	return &p, nil
}

// ListPhases returns all phase attempts for a workflow in plan order, then
// attempt order.
func (s *Store) ListPhases(ctx context.Context, workflowID string) ([]*Phase, error) {
	var phases []*Phase
	err := s.db.SelectContext(ctx, &phases,
		`SELECT * FROM phases WHERE workflow_id = ? ORDER BY idx, attempt`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list phases for %s: %w", workflowID, err)
	}
	return phases, nil
}

// RunningPhases returns every phase in state running, across workflows.
// Used by the startup recovery scan.
func (s *Store) RunningPhases(ctx context.Context) ([]*Phase, error) {
	var phases []*Phase
	err := s.db.SelectContext(ctx, &phases, `SELECT * FROM phases WHERE state = 'running' ORDER BY workflow_id, idx`)
	if err != nil {
		return nil, fmt.Errorf("query running phases: %w", err)
	}
	return phases, nil
}

// MarkPhaseInterrupted fails a phase found running after a restart.
func (s *Store) MarkPhaseInterrupted(ctx context.Context, phaseID int64) error {
	return s.FinishPhase(ctx, phaseID, PhaseFailed, nil, "interrupted")
}
