package state

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"drover/internal/event"
)

// appendEventTx persists an event inside an open transaction and assigns its
// store-wide monotonic seq.
func (s *Store) appendEventTx(tx *sqlx.Tx, e *event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	meta, err := encodeJSON(e.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := tx.Exec(`INSERT INTO events (
		workflow_id, event_type, severity, phase_name, from_state, to_state, message, metadata, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkflowID, e.EventType, e.Severity, e.PhaseName, e.FromState, e.ToState, e.Message, meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event %s for %s: %w", e.EventType, e.WorkflowID, err)
	}
	e.Seq, err = res.LastInsertId()
	return err
}

// AppendEvent persists an event and returns it with its assigned seq.
func (s *Store) AppendEvent(ctx context.Context, e event.Event) (event.Event, error) {
	err := s.write(ctx, func(tx *sqlx.Tx) error {
		return s.appendEventTx(tx, &e)
	})
	return e, err
}

// Events returns a workflow's events with seq > sinceSeq, in seq order.
// limit <= 0 means no limit.
func (s *Store) Events(ctx context.Context, workflowID string, sinceSeq int64, limit int) ([]event.Event, error) {
	query := `SELECT * FROM events WHERE workflow_id = ? AND seq > ? ORDER BY seq`
	args := []any{workflowID, sinceSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events for %s: %w", workflowID, err)
	}
	events := make([]event.Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// AllEvents returns every event with seq > sinceSeq across workflows, in seq
// order. Used by the journal backfill and external pollers.
func (s *Store) AllEvents(ctx context.Context, sinceSeq int64, limit int) ([]event.Event, error) {
	query := `SELECT * FROM events WHERE seq > ? ORDER BY seq`
	args := []any{sinceSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events := make([]event.Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
