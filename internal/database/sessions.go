package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jordanhubbard/foundry/pkg/models"
)

// ErrSessionNotFound is returned when no session row matches the sandbox id.
var ErrSessionNotFound = fmt.Errorf("sandbox session not found")

// CreateSession inserts a new session record.
func (d *Database) CreateSession(s *models.SandboxSession) error {
	query := rebind(`
		INSERT INTO sandbox_sessions
			(sandbox_id, project_id, owner_id, framework, state, last_activity_at, auto_pause_timeout_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := d.db.Exec(query,
		s.SandboxID, s.ProjectID, s.OwnerID, s.Framework,
		string(s.State), s.LastActivityAt, s.AutoPauseTimeoutMs, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", s.SandboxID, err)
	}
	return nil
}

// GetSession retrieves one session by sandbox id.
func (d *Database) GetSession(sandboxID string) (*models.SandboxSession, error) {
	query := rebind(`
		SELECT sandbox_id, project_id, owner_id, framework, state, last_activity_at, auto_pause_timeout_ms, created_at
		FROM sandbox_sessions WHERE sandbox_id = ?`)
	return d.scanSession(d.db.QueryRow(query, sandboxID))
}

// GetActiveSessionForProject returns the newest non-killed session bound to
// the project, if any.
func (d *Database) GetActiveSessionForProject(projectID string) (*models.SandboxSession, error) {
	query := rebind(`
		SELECT sandbox_id, project_id, owner_id, framework, state, last_activity_at, auto_pause_timeout_ms, created_at
		FROM sandbox_sessions
		WHERE project_id = ? AND state != 'killed'
		ORDER BY created_at DESC
		LIMIT 1`)
	return d.scanSession(d.db.QueryRow(query, projectID))
}

func (d *Database) scanSession(row *sql.Row) (*models.SandboxSession, error) {
	var s models.SandboxSession
	var state string
	err := row.Scan(&s.SandboxID, &s.ProjectID, &s.OwnerID, &s.Framework,
		&state, &s.LastActivityAt, &s.AutoPauseTimeoutMs, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	s.State = models.SandboxState(state)
	return &s, nil
}

// TouchSession updates last_activity_at and forces the state to running.
// Idempotent: touching a running session only refreshes the timestamp, and
// touching a paused session resumes it. Killed sessions are left alone.
func (d *Database) TouchSession(sandboxID string, at time.Time) error {
	query := rebind(`
		UPDATE sandbox_sessions
		SET last_activity_at = ?, state = 'running'
		WHERE sandbox_id = ? AND state != 'killed'`)
	_, err := d.db.Exec(query, at, sandboxID)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sandboxID, err)
	}
	return nil
}

// SetSessionState transitions a session to the given state. The killed
// state is terminal; transitions out of it are refused by the WHERE clause.
func (d *Database) SetSessionState(sandboxID string, state models.SandboxState) error {
	query := rebind(`
		UPDATE sandbox_sessions SET state = ?
		WHERE sandbox_id = ? AND state != 'killed'`)
	_, err := d.db.Exec(query, string(state), sandboxID)
	if err != nil {
		return fmt.Errorf("failed to set session %s state: %w", sandboxID, err)
	}
	return nil
}

// PauseIfIdle atomically pauses the session when its idle time still exceeds
// its timeout at update time. Returns true when this call performed the
// pause, so overlapping sweeps pause a session exactly once.
func (d *Database) PauseIfIdle(sandboxID string, now time.Time) (bool, error) {
	query := rebind(`
		UPDATE sandbox_sessions SET state = 'paused'
		WHERE sandbox_id = ? AND state = 'running'
		  AND last_activity_at <= ? - (auto_pause_timeout_ms * interval '1 millisecond')`)
	res, err := d.db.Exec(query, sandboxID, now)
	if err != nil {
		return false, fmt.Errorf("failed to pause session %s: %w", sandboxID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListIdleRunningSessions returns running sessions whose idle time exceeds
// their auto-pause timeout at now.
func (d *Database) ListIdleRunningSessions(now time.Time) ([]*models.SandboxSession, error) {
	query := rebind(`
		SELECT sandbox_id, project_id, owner_id, framework, state, last_activity_at, auto_pause_timeout_ms, created_at
		FROM sandbox_sessions
		WHERE state = 'running'
		  AND last_activity_at <= ? - (auto_pause_timeout_ms * interval '1 millisecond')
		ORDER BY last_activity_at ASC`)
	rows, err := d.db.Query(query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.SandboxSession
	for rows.Next() {
		var s models.SandboxSession
		var state string
		if err := rows.Scan(&s.SandboxID, &s.ProjectID, &s.OwnerID, &s.Framework,
			&state, &s.LastActivityAt, &s.AutoPauseTimeoutMs, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		s.State = models.SandboxState(state)
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// ListSessions returns sessions newest-first, optionally filtered by state,
// bounded to limit rows.
func (d *Database) ListSessions(state string, limit int) ([]*models.SandboxSession, error) {
	query := `
		SELECT sandbox_id, project_id, owner_id, framework, state, last_activity_at, auto_pause_timeout_ms, created_at
		FROM sandbox_sessions`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.Query(rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.SandboxSession
	for rows.Next() {
		var s models.SandboxSession
		var st string
		if err := rows.Scan(&s.SandboxID, &s.ProjectID, &s.OwnerID, &s.Framework,
			&st, &s.LastActivityAt, &s.AutoPauseTimeoutMs, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		s.State = models.SandboxState(st)
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// DeleteKilledSessionsBefore prunes killed sessions whose last activity is
// older than the cutoff, bounded to limit rows per call.
func (d *Database) DeleteKilledSessionsBefore(cutoff time.Time, limit int) (int, error) {
	query := rebind(`
		DELETE FROM sandbox_sessions
		WHERE sandbox_id IN (
			SELECT sandbox_id FROM sandbox_sessions
			WHERE state = 'killed' AND last_activity_at < ?
			LIMIT ?
		)`)
	res, err := d.db.Exec(query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
