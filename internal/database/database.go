// Package database is the durable store for sandbox sessions, queued jobs,
// decision logs, and council votes. PostgreSQL via database/sql.
package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// Database wraps the PostgreSQL connection.
type Database struct {
	db *sql.DB
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
// This is used throughout the database package for parameterized queries.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// NewPostgres creates a PostgreSQL database connection and initializes the
// schema.
func NewPostgres(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &Database{db: db}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Health pings the database for the health report.
func (d *Database) Health() error {
	return d.db.Ping()
}

// initSchema creates the tables and indexes.
func (d *Database) initSchema() error {
	schema := `
	-- Durable sandbox session records; source of truth across restarts
	CREATE TABLE IF NOT EXISTS sandbox_sessions (
		sandbox_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		framework TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'running',
		last_activity_at TIMESTAMPTZ NOT NULL,
		auto_pause_timeout_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	-- Idle-state index for the pause sweep
	CREATE INDEX IF NOT EXISTS idx_sessions_state_activity
		ON sandbox_sessions(state, last_activity_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_project
		ON sandbox_sessions(project_id);

	-- Deferred jobs
	CREATE TABLE IF NOT EXISTS queued_jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload BYTEA,
		priority TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	);

	-- Status+priority composite index for dequeue
	CREATE INDEX IF NOT EXISTS idx_jobs_status_priority
		ON queued_jobs(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_finished
		ON queued_jobs(status, finished_at);

	-- Ordered audit trail surfaced to the product UI
	CREATE TABLE IF NOT EXISTS decision_log (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		agent TEXT NOT NULL,
		decision TEXT NOT NULL,
		reasoning TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (job_id, seq)
	);

	-- Council votes; a consensus row is never stored without its votes
	CREATE TABLE IF NOT EXISTS council_votes (
		job_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		decision TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		reasoning TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (job_id, agent_name)
	);

	CREATE TABLE IF NOT EXISTS council_decisions (
		job_id TEXT PRIMARY KEY,
		final_decision TEXT NOT NULL,
		agree_count INTEGER NOT NULL,
		total_votes INTEGER NOT NULL,
		orchestrator_note TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	-- API keys for the read surface
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ
	);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}
