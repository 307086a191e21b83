// Package store persists sessions, their message history, and the
// bookkeeping rows for in-flight agent runs.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository is the SQLite/Postgres-backed session store. Writes go through
// db (single-connection writer pool under SQLite), reads through ro.
type Repository struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewWithDB creates a repository on existing writer and reader pools and
// ensures the schema exists. The caller retains ownership of both pools.
func NewWithDB(db, ro *sqlx.DB) (*Repository, error) {
	r := &Repository{db: db, ro: ro}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return r, nil
}

// DB exposes the writer pool for stores that share the same database.
func (r *Repository) DB() *sqlx.DB {
	return r.db
}

func (r *Repository) initSchema() error {
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initMessageSchema(); err != nil {
		return err
	}
	if err := r.initAgentRunSchema(); err != nil {
		return err
	}
	r.runMigrations()
	return nil
}

func (r *Repository) initSessionSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'CREATING',
		container_id TEXT DEFAULT '',
		container_name TEXT DEFAULT '',
		image_name TEXT NOT NULL DEFAULT '',
		repository_url TEXT DEFAULT '',
		repository_branch TEXT DEFAULT '',
		session_branch TEXT DEFAULT '',
		workspace_volume TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *Repository) initMessageSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_messages (
		message_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL DEFAULT 'system',
		content TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		CONSTRAINT session_messages_pkey PRIMARY KEY (message_id),
		CONSTRAINT session_messages_seq_key UNIQUE (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_session_messages_session_seq ON session_messages(session_id, seq);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *Repository) initAgentRunSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_runs (
		session_id TEXT PRIMARY KEY,
		container_id TEXT DEFAULT '',
		exec_id TEXT DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		output_file TEXT NOT NULL DEFAULT '',
		last_seq INTEGER NOT NULL DEFAULT -1,
		started_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// runMigrations applies additive column migrations for databases created by
// earlier versions. Errors are ignored because the columns may already exist.
func (r *Repository) runMigrations() {
	_, _ = r.db.Exec(`ALTER TABLE sessions ADD COLUMN session_branch TEXT DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE sessions ADD COLUMN error_message TEXT DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE agent_runs ADD COLUMN container_id TEXT DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE agent_runs ADD COLUMN exec_id TEXT DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE agent_runs ADD COLUMN last_seq INTEGER NOT NULL DEFAULT -1`)
}
