package state

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// StoreStats is an on-demand summary across all workflows.
type StoreStats struct {
	ByState      map[WorkflowState]int `json:"by_state"`
	ByKind       map[WorkflowKind]int  `json:"by_kind"`
	TotalCostUSD float64               `json:"total_cost_usd"`
	TotalTokens  int64                 `json:"total_tokens"`
}

// Stats computes live counts and totals. total_cost_usd is derived from the
// canonical per-workflow cost_usd column, never stored.
func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{
		ByState: make(map[WorkflowState]int),
		ByKind:  make(map[WorkflowKind]int),
	}

	type stateCount struct {
		State WorkflowState `db:"state"`
		N     int           `db:"n"`
	}
	var states []stateCount
	if err := s.db.SelectContext(ctx, &states,
		`SELECT state, COUNT(*) AS n FROM workflows GROUP BY state`); err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	for _, sc := range states {
		stats.ByState[sc.State] = sc.N
	}

	type kindCount struct {
		Kind WorkflowKind `db:"kind"`
		N    int          `db:"n"`
	}
	var kinds []kindCount
	if err := s.db.SelectContext(ctx, &kinds,
		`SELECT kind, COUNT(*) AS n FROM workflows GROUP BY kind`); err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	for _, kc := range kinds {
		stats.ByKind[kc.Kind] = kc.N
	}

	type totals struct {
		Cost   float64 `db:"cost"`
		Tokens int64   `db:"tokens"`
	}
	var t totals
	if err := s.db.GetContext(ctx, &t,
		`SELECT COALESCE(SUM(cost_usd), 0) AS cost, COALESCE(SUM(total_tokens), 0) AS tokens FROM workflows`); err != nil {
		return nil, fmt.Errorf("sum totals: %w", err)
	}
	stats.TotalCostUSD = t.Cost
	stats.TotalTokens = t.Tokens
	return stats, nil
}

// RollupDaily recomputes the metrics aggregate rows for the given UTC day
// from the workflow table and upserts them per kind.
func (s *Store) RollupDaily(ctx context.Context, day time.Time) error {
	date := day.UTC().Format("2006-01-02")
	return s.write(ctx, func(tx *sqlx.Tx) error {
		type rollup struct {
			Kind      WorkflowKind `db:"kind"`
			Total     int          `db:"total"`
			Completed int          `db:"completed"`
			Failed    int          `db:"failed"`
			Duration  float64      `db:"duration"`
			Cost      float64      `db:"cost"`
			Tokens    int64        `db:"tokens"`
		}
		var rows []rollup
		if err := tx.Select(&rows, `SELECT
			kind,
			COUNT(*) AS total,
			SUM(CASE WHEN state IN ('completed','archived') AND error_message = '' THEN 1 ELSE 0 END) AS completed,
			SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END) AS failed,
			COALESCE(SUM(CASE WHEN started_at IS NOT NULL AND completed_at IS NOT NULL
				THEN (julianday(completed_at) - julianday(started_at)) * 86400.0 ELSE 0 END), 0) AS duration,
			COALESCE(SUM(cost_usd), 0) AS cost,
			COALESCE(SUM(total_tokens), 0) AS tokens
			FROM workflows
			WHERE date(created_at) = ?
			GROUP BY kind`, date); err != nil {
			return fmt.Errorf("rollup %s: %w", date, err)
		}
		for _, r := range rows {
			successRate := 0.0
			if r.Total > 0 {
				successRate = float64(r.Completed) / float64(r.Total)
			}
			if _, err := tx.Exec(`INSERT INTO metrics_aggregates (
				date, kind, workflows_total, workflows_completed, workflows_failed,
				total_duration_seconds, total_cost_usd, total_tokens, success_rate
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (date, kind) DO UPDATE SET
				workflows_total = excluded.workflows_total,
				workflows_completed = excluded.workflows_completed,
				workflows_failed = excluded.workflows_failed,
				total_duration_seconds = excluded.total_duration_seconds,
				total_cost_usd = excluded.total_cost_usd,
				total_tokens = excluded.total_tokens,
				success_rate = excluded.success_rate`,
				date, r.Kind, r.Total, r.Completed, r.Failed,
				r.Duration, r.Cost, r.Tokens, successRate); err != nil {
				return fmt.Errorf("upsert aggregate %s/%s: %w", date, r.Kind, err)
			}
		}
		return nil
	})
}

// Aggregates returns rollup rows for dates in [from, to], newest first.
func (s *Store) Aggregates(ctx context.Context, from, to time.Time) ([]MetricsAggregate, error) {
	var rows []MetricsAggregate
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM metrics_aggregates WHERE date >= ? AND date <= ? ORDER BY date DESC, kind`,
		from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("query aggregates: %w", err)
	}
	return rows, nil
}
