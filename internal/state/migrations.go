package state

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration is one additive schema step. Statements must be idempotent
// (IF NOT EXISTS or guarded) so re-running a partially applied version is
// safe.
type migration struct {
	version int
	name    string
	apply   func(tx *sqlx.Tx) error
}

var migrations = []migration{
	{1, "workflows", migrateWorkflows},
	{2, "phases", migratePhases},
	{3, "events", migrateEvents},
	{4, "metrics_aggregates", migrateMetricsAggregates},
	{5, "workflow_issue_class", migrateIssueClass},
}

// Migrate applies pending migrations in version order and records each in
// schema_version.
func Migrate(db *sqlx.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func migrateWorkflows(tx *sqlx.Tx) error {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL CHECK (kind IN ('standard','tdd','plan-only','test-only','review-only')),
		state TEXT NOT NULL DEFAULT 'created' CHECK (state IN
			('created','initialized','running','paused','completed','failed','cancelled','stuck','archived')),
		task_description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		last_activity_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		archived_at TIMESTAMP,
		issue_ref TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT 'main',
		worktree_path TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		exit_code INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
		cost_usd REAL NOT NULL DEFAULT 0 CHECK (cost_usd >= 0),
		total_tokens INTEGER NOT NULL DEFAULT 0 CHECK (total_tokens >= 0),
		phase_count INTEGER NOT NULL DEFAULT 0 CHECK (phase_count >= 0),
		budget_usd REAL NOT NULL DEFAULT 0 CHECK (budget_usd >= 0),
		backend_port INTEGER CHECK (backend_port IS NULL OR (backend_port BETWEEN 9100 AND 9199)),
		frontend_port INTEGER CHECK (frontend_port IS NULL OR (frontend_port BETWEEN 9200 AND 9299)),
		model_set TEXT NOT NULL DEFAULT 'base' CHECK (model_set IN ('base','fast','powerful')),
		CHECK ((state = 'archived') = (archived_at IS NOT NULL))
	)`); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_workflows_state ON workflows (state)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_last_activity ON workflows (last_activity_at)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_kind ON workflows (kind)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_state_created ON workflows (state, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_issue_ref ON workflows (issue_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_backend_port ON workflows (backend_port)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_frontend_port ON workflows (frontend_port)`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migratePhases(tx *sqlx.Tx) error {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS phases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		name TEXT NOT NULL CHECK (name IN
			('plan','build','test','review','deploy','generate_tests','verify_red','verify_green','refactor')),
		idx INTEGER NOT NULL DEFAULT 0 CHECK (idx >= 0),
		attempt INTEGER NOT NULL DEFAULT 1 CHECK (attempt >= 1),
		max_attempts INTEGER NOT NULL DEFAULT 3 CHECK (max_attempts >= 1),
		state TEXT NOT NULL DEFAULT 'pending' CHECK (state IN
			('pending','running','completed','failed','skipped')),
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		duration_seconds REAL,
		exit_code INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		llm_requests INTEGER NOT NULL DEFAULT 0 CHECK (llm_requests >= 0),
		llm_tokens_in INTEGER NOT NULL DEFAULT 0 CHECK (llm_tokens_in >= 0),
		llm_tokens_out INTEGER NOT NULL DEFAULT 0 CHECK (llm_tokens_out >= 0),
		cost_usd REAL NOT NULL DEFAULT 0 CHECK (cost_usd >= 0),
		UNIQUE (workflow_id, name, attempt)
	)`); err != nil {
		return err
	}
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_phases_workflow ON phases (workflow_id, idx)`)
	return err
}

func migrateEvents(tx *sqlx.Tx) error {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL CHECK (event_type IN
			('workflow_created','workflow_state_changed','phase_started','phase_completed',
			 'phase_failed','workflow_paused','workflow_resumed','workflow_cancelled',
			 'workflow_archived','resource_allocated','resource_released','error_occurred')),
		severity TEXT NOT NULL DEFAULT 'INFO' CHECK (severity IN ('INFO','WARN','ERROR')),
		phase_name TEXT NOT NULL DEFAULT '',
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`); err != nil {
		return err
	}
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_events_workflow_seq ON events (workflow_id, seq)`)
	return err
}

func migrateMetricsAggregates(tx *sqlx.Tx) error {
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS metrics_aggregates (
		date TEXT NOT NULL,
		kind TEXT NOT NULL,
		workflows_total INTEGER NOT NULL DEFAULT 0,
		workflows_completed INTEGER NOT NULL DEFAULT 0,
		workflows_failed INTEGER NOT NULL DEFAULT 0,
		total_duration_seconds REAL NOT NULL DEFAULT 0,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (date, kind)
	)`)
	return err
}

func migrateIssueClass(tx *sqlx.Tx) error {
	var count int
	if err := tx.Get(&count,
		`SELECT COUNT(*) FROM pragma_table_info('workflows') WHERE name = 'issue_class'`); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := tx.Exec(`ALTER TABLE workflows ADD COLUMN issue_class TEXT NOT NULL DEFAULT ''
		CHECK (issue_class IN ('','feature','bug','test','refactor','docs','chore'))`)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_workflows_issue_class ON workflows (issue_class)`)
	return err
}
