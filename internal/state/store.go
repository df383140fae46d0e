package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"drover/internal/event"
	"drover/internal/logging"
)

// Store is the durable source of truth for workflows, phases, and events.
// All writes funnel through a single writer goroutine; reads run directly on
// the connection pool. The writer holds no lock across anything but the
// transaction itself.
type Store struct {
	db     *sqlx.DB
	logger logging.Logger

	writes chan writeRequest
	done   chan struct{}
}

type writeRequest struct {
	ctx   context.Context
	fn    func(tx *sqlx.Tx) error
	reply chan error
}

// Open opens (creating if needed) the SQLite database, applies migrations,
// and starts the writer goroutine.
func Open(path string, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logging.OrNop(logger),
		writes: make(chan writeRequest),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	s.logger.Info("state store open at %s", path)
	return s, nil
}

// Close stops the writer and closes the database. Pending writes are
// completed first.
func (s *Store) Close() error {
	close(s.writes)
	<-s.done
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for req := range s.writes {
		req.reply <- s.runWrite(req)
	}
}

func (s *Store) runWrite(req writeRequest) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := req.fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// write serializes fn through the writer goroutine, each call in its own
// transaction.
func (s *Store) write(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	req := writeRequest{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	// The write is committed or rolled back even if the caller gives up;
	// waiting here keeps the commit-then-publish ordering observable.
	return <-req.reply
}

// ---- row mapping ----

type workflowRow struct {
	Workflow
	TagsJSON     string `db:"tags"`
	MetadataJSON string `db:"metadata"`
}

func (r *workflowRow) toWorkflow() (*Workflow, error) {
	w := r.Workflow
	if r.TagsJSON != "" && r.TagsJSON != "[]" {
		if err := json.Unmarshal([]byte(r.TagsJSON), &w.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", w.ID, err)
		}
	}
	if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &w.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", w.ID, err)
		}
	}
	return &w, nil
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

type eventRow struct {
	Seq        int64     `db:"seq"`
	WorkflowID string    `db:"workflow_id"`
	EventType  string    `db:"event_type"`
	Severity   string    `db:"severity"`
	PhaseName  string    `db:"phase_name"`
	FromState  string    `db:"from_state"`
	ToState    string    `db:"to_state"`
	Message    string    `db:"message"`
	Metadata   string    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *eventRow) toEvent() (event.Event, error) {
	e := event.Event{
		Seq:        r.Seq,
		WorkflowID: r.WorkflowID,
		EventType:  event.Type(r.EventType),
		Severity:   event.Severity(r.Severity),
		PhaseName:  r.PhaseName,
		FromState:  r.FromState,
		ToState:    r.ToState,
		Message:    r.Message,
		CreatedAt:  r.CreatedAt,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return e, fmt.Errorf("decode event %d metadata: %w", r.Seq, err)
		}
	}
	return e, nil
}

// ---- workflows ----

// CreateWorkflow inserts a new workflow row and appends its creation event in
// the same transaction. The persisted event (with seq assigned) is returned
// for publication after commit.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) (*event.Event, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	tags, err := encodeJSON(w.Tags, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	meta, err := encodeJSON(w.Metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	created := event.New(event.TypeWorkflowCreated, w.ID).
		WithMessage("workflow %q created (kind=%s)", w.Name, w.Kind).
		WithMetadata("kind", string(w.Kind))

	err = s.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`INSERT INTO workflows (
			id, name, kind, state, task_description,
			created_at, last_activity_at,
			issue_ref, branch, base_branch, worktree_path,
			tags, metadata, retry_count,
			cost_usd, total_tokens, phase_count, budget_usd,
			backend_port, frontend_port, issue_class, model_set
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.Name, w.Kind, w.State, w.TaskDescription,
			w.CreatedAt, w.LastActivityAt,
			w.IssueRef, w.Branch, w.BaseBranch, w.WorktreePath,
			tags, meta, w.RetryCount,
			w.CostUSD, w.TotalTokens, w.PhaseCount, w.BudgetUSD,
			w.BackendPort, w.FrontendPort, w.IssueClass, w.ModelSet)
		if err != nil {
			return fmt.Errorf("insert workflow %s: %w", w.ID, err)
		}
		return s.appendEventTx(tx, &created)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// GetWorkflow fetches a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workflows WHERE id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return row.toWorkflow()
}

// ListWorkflows returns workflows matching the filter, newest first.
// Archived workflows are excluded unless the filter asks for them.
func (s *Store) ListWorkflows(ctx context.Context, filter ListFilter) ([]*Workflow, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		clauses = append(clauses, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ",")))
	} else if !filter.IncludeArchived {
		clauses = append(clauses, "state != 'archived'")
	}
	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, k)
		}
		clauses = append(clauses, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.IssueRef != "" {
		clauses = append(clauses, "issue_ref = ?")
		args = append(args, filter.IssueRef)
	}
	if filter.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(workflows.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}
	if filter.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, *filter.CreatedBefore)
	}

	query := `SELECT * FROM workflows`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	workflows := make([]*Workflow, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toWorkflow()
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}

// WorkflowsInState returns all workflows in the given state, oldest first.
func (s *Store) WorkflowsInState(ctx context.Context, st WorkflowState) ([]*Workflow, error) {
	return s.ListWorkflows(ctx, ListFilter{States: []WorkflowState{st}, IncludeArchived: st == StateArchived})
}

// TransitionOption mutates the update applied alongside a state transition.
type TransitionOption func(*transitionUpdate)

type transitionUpdate struct {
	sets       []string
	args       []any
	event      *event.Event
	retryBump  bool
}

// WithStartedAt stamps started_at.
func WithStartedAt(t time.Time) TransitionOption {
	return func(u *transitionUpdate) {
		u.sets = append(u.sets, "started_at = ?")
		u.args = append(u.args, t)
	}
}

// WithCompletedAt stamps completed_at.
func WithCompletedAt(t time.Time) TransitionOption {
	return func(u *transitionUpdate) {
		u.sets = append(u.sets, "completed_at = ?")
		u.args = append(u.args, t)
	}
}

// WithExitCode records the workflow exit code.
func WithExitCode(code int) TransitionOption {
	return func(u *transitionUpdate) {
		u.sets = append(u.sets, "exit_code = ?")
		u.args = append(u.args, code)
	}
}

// WithErrorMessage records the workflow error message.
func WithErrorMessage(msg string) TransitionOption {
	return func(u *transitionUpdate) {
		u.sets = append(u.sets, "error_message = ?")
		u.args = append(u.args, msg)
	}
}

// WithRetryBump increments retry_count.
func WithRetryBump() TransitionOption {
	return func(u *transitionUpdate) { u.retryBump = true }
}

// WithTransitionEvent appends e (in the transition's transaction) so a
// subscriber observing the published event can always read the updated row.
func WithTransitionEvent(e event.Event) TransitionOption {
	return func(u *transitionUpdate) { u.event = &e }
}

// TransitionWorkflow performs a compare-and-swap transition from → to.
// Illegal pairs fail with InvalidTransitionError before touching the
// database; a row whose state no longer matches from fails with
// ConflictError. Returns the persisted transition event, if one was
// attached, for publication after commit.
func (s *Store) TransitionWorkflow(ctx context.Context, id string, from, to WorkflowState, opts ...TransitionOption) (*event.Event, error) {
	if !CanTransition(from, to) {
		return nil, &InvalidTransitionError{WorkflowID: id, From: from, To: to}
	}
	update := &transitionUpdate{}
	for _, opt := range opts {
		opt(update)
	}

	now := time.Now().UTC()
	sets := append([]string{"state = ?", "last_activity_at = ?"}, update.sets...)
	args := append([]any{to, now}, update.args...)
	if update.retryBump {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if to == StateArchived {
		sets = append(sets, "archived_at = ?")
		args = append(args, now)
	}
	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ? AND state = ?", strings.Join(sets, ", "))
	args = append(args, id, from)

	err := s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("transition %s %s->%s: %w", id, from, to, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var actual WorkflowState
			if err := tx.Get(&actual, `SELECT state FROM workflows WHERE id = ?`, id); err != nil {
				if isNoRows(err) {
					return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
				}
				return err
			}
			return &ConflictError{WorkflowID: id, Expected: from, Actual: actual}
		}
		if update.event != nil {
			return s.appendEventTx(tx, update.event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return update.event, nil
}

// AddWorkflowUsage accumulates cost and token counters and refreshes
// last_activity_at. Counters never decrease.
func (s *Store) AddWorkflowUsage(ctx context.Context, id string, costUSD float64, tokens int64) error {
	if costUSD < 0 || tokens < 0 {
		return fmt.Errorf("negative usage delta for workflow %s", id)
	}
	return s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`UPDATE workflows
			SET cost_usd = cost_usd + ?, total_tokens = total_tokens + ?, last_activity_at = ?
			WHERE id = ?`, costUSD, tokens, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("add usage to workflow %s: %w", id, err)
		}
		return requireAffected(res, id)
	})
}

// TouchActivity refreshes last_activity_at.
func (s *Store) TouchActivity(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`UPDATE workflows SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		return requireAffected(res, id)
	})
}

// SetWorkflowWorktree records the branch and working-tree path handed out by
// the workspace collaborator.
func (s *Store) SetWorkflowWorktree(ctx context.Context, id, branch, path string) error {
	return s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`UPDATE workflows SET branch = ?, worktree_path = ?, last_activity_at = ? WHERE id = ?`,
			branch, path, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("set worktree on workflow %s: %w", id, err)
		}
		return requireAffected(res, id)
	})
}

// SetWorkflowPorts records allocated ports. Nil clears a binding.
func (s *Store) SetWorkflowPorts(ctx context.Context, id string, backend, frontend *int) error {
	return s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`UPDATE workflows SET backend_port = ?, frontend_port = ?, last_activity_at = ? WHERE id = ?`,
			backend, frontend, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("set ports on workflow %s: %w", id, err)
		}
		return requireAffected(res, id)
	})
}

// AllocatedPorts returns every port currently bound to a non-archived
// workflow, keyed by port number.
func (s *Store) AllocatedPorts(ctx context.Context) (map[int]string, error) {
	type binding struct {
		ID           string `db:"id"`
		BackendPort  *int   `db:"backend_port"`
		FrontendPort *int   `db:"frontend_port"`
	}
	var rows []binding
	err := s.db.SelectContext(ctx, &rows, `SELECT id, backend_port, frontend_port FROM workflows
		WHERE state != 'archived' AND (backend_port IS NOT NULL OR frontend_port IS NOT NULL)`)
	if err != nil {
		return nil, fmt.Errorf("query allocated ports: %w", err)
	}
	ports := make(map[int]string)
	for _, row := range rows {
		if row.BackendPort != nil {
			ports[*row.BackendPort] = row.ID
		}
		if row.FrontendPort != nil {
			ports[*row.FrontendPort] = row.ID
		}
	}
	return ports, nil
}

// StaleRunning returns running workflows whose last activity is older than
// the cutoff. Used by the stuck reaper.
func (s *Store) StaleRunning(ctx context.Context, cutoff time.Time) ([]*Workflow, error) {
	var rows []workflowRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM workflows WHERE state = 'running' AND last_activity_at < ? ORDER BY last_activity_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale running workflows: %w", err)
	}
	workflows := make([]*Workflow, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toWorkflow()
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}

// ArchiveWorkflow finalizes a terminal workflow: stamps archived_at, deletes
// its phases and events, and appends the archive event. Returns the
// persisted event for publication after commit.
func (s *Store) ArchiveWorkflow(ctx context.Context, id string) (*event.Event, error) {
	archived := event.New(event.TypeWorkflowArchived, id)
	err := s.write(ctx, func(tx *sqlx.Tx) error {
		var current WorkflowState
		if err := tx.Get(&current, `SELECT state FROM workflows WHERE id = ?`, id); err != nil {
			if isNoRows(err) {
				return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
			}
			return err
		}
		if !current.Terminal() {
			return &InvalidTransitionError{WorkflowID: id, From: current, To: StateArchived}
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(`UPDATE workflows SET state = 'archived', archived_at = ?, last_activity_at = ? WHERE id = ?`,
			now, now, id); err != nil {
			return fmt.Errorf("archive workflow %s: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM phases WHERE workflow_id = ?`, id); err != nil {
			return fmt.Errorf("cascade phases for %s: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM events WHERE workflow_id = ?`, id); err != nil {
			return fmt.Errorf("cascade events for %s: %w", id, err)
		}
		archived = archived.WithTransition(string(current), string(StateArchived)).
			WithMessage("workflow archived from %s", current)
		return s.appendEventTx(tx, &archived)
	})
	if err != nil {
		return nil, err
	}
	return &archived, nil
}

// PurgeArchived deletes workflow rows archived before the cutoff. Foreign
// keys cascade any leftovers.
func (s *Store) PurgeArchived(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM workflows WHERE state = 'archived' AND archived_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("purge archived workflows: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

func requireAffected(res interface{ RowsAffected() (int64, error) }, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
