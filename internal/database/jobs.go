package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jordanhubbard/foundry/pkg/models"
)

// ErrJobNotFound is returned when no job row matches the id.
var ErrJobNotFound = fmt.Errorf("queued job not found")

const jobColumns = `id, type, payload, priority, status, attempts, max_attempts,
	COALESCE(error, ''), created_at, updated_at, finished_at`

// InsertJob persists a new queued job.
func (d *Database) InsertJob(j *models.QueuedJob) error {
	query := rebind(`
		INSERT INTO queued_jobs
			(id, type, payload, priority, status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := d.db.Exec(query,
		j.ID, j.Type, j.Payload, string(j.Priority), string(j.Status),
		j.Attempts, j.MaxAttempts, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob retrieves one job by id.
func (d *Database) GetJob(id string) (*models.QueuedJob, error) {
	query := rebind(`SELECT ` + jobColumns + ` FROM queued_jobs WHERE id = ?`)
	return scanJob(d.db.QueryRow(query, id))
}

// NextPendingJob returns the oldest pending job in the highest non-empty
// priority tier: high drains before normal, normal before low, FIFO within
// a tier. Returns ErrJobNotFound when the queue is empty.
func (d *Database) NextPendingJob() (*models.QueuedJob, error) {
	query := rebind(`
		SELECT ` + jobColumns + `
		FROM queued_jobs
		WHERE status = 'pending'
		ORDER BY CASE priority
			WHEN 'high' THEN 0
			WHEN 'normal' THEN 1
			WHEN 'low' THEN 2
			ELSE 3
		END, created_at ASC
		LIMIT 1`)
	return scanJob(d.db.QueryRow(query))
}

// ClaimJob transitions a pending job to processing. Returns false when the
// job was already claimed or is no longer pending, so concurrent pollers
// cannot double-deliver.
func (d *Database) ClaimJob(id string, at time.Time) (bool, error) {
	query := rebind(`
		UPDATE queued_jobs SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = 'pending'`)
	res, err := d.db.Exec(query, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteJob marks a job completed.
func (d *Database) CompleteJob(id string, at time.Time) error {
	query := rebind(`
		UPDATE queued_jobs
		SET status = 'completed', updated_at = ?, finished_at = ?
		WHERE id = ?`)
	_, err := d.db.Exec(query, at, at, id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// FailJob records a failure: the attempt counter increments, and the job
// either reverts to pending for redelivery or becomes terminally failed
// once attempts reach max_attempts. Returns the job's new status.
func (d *Database) FailJob(id, errMsg string, at time.Time) (models.JobStatus, error) {
	query := rebind(`
		UPDATE queued_jobs
		SET attempts = attempts + 1,
		    error = ?,
		    updated_at = ?,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    finished_at = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE finished_at END
		WHERE id = ?
		RETURNING status`)
	var status string
	err := d.db.QueryRow(query, errMsg, at, at, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	return models.JobStatus(status), nil
}

// RequeueStaleProcessingJobs reverts processing claims last updated before
// the cutoff back to pending, bounded to limit rows. Claims go stale when a
// poller or dispatcher dies between claiming a job and recording its
// outcome; without this the job would sit in processing forever.
func (d *Database) RequeueStaleProcessingJobs(cutoff time.Time, limit int) (int, error) {
	query := rebind(`
		UPDATE queued_jobs
		SET status = 'pending', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM queued_jobs
			WHERE status = 'processing' AND updated_at < ?
			LIMIT ?
		)`)
	res, err := d.db.Exec(query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PendingJobCounts returns pending depth per priority for metrics.
func (d *Database) PendingJobCounts() (map[models.JobPriority]int, error) {
	rows, err := d.db.Query(`
		SELECT priority, COUNT(*) FROM queued_jobs
		WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobPriority]int)
	for rows.Next() {
		var priority string
		var count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		counts[models.JobPriority(priority)] = count
	}
	return counts, rows.Err()
}

// DeleteTerminalJobsBefore prunes completed/failed jobs finished before the
// cutoff, bounded to limit rows so sweeps never run long deletes.
func (d *Database) DeleteTerminalJobsBefore(cutoff time.Time, limit int) (int, error) {
	query := rebind(`
		DELETE FROM queued_jobs
		WHERE id IN (
			SELECT id FROM queued_jobs
			WHERE status IN ('completed', 'failed') AND finished_at < ?
			LIMIT ?
		)`)
	res, err := d.db.Exec(query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanJob(row *sql.Row) (*models.QueuedJob, error) {
	var j models.QueuedJob
	var priority, status string
	var finished sql.NullTime
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &priority, &status,
		&j.Attempts, &j.MaxAttempts, &j.Error, &j.CreatedAt, &j.UpdatedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.Priority = models.JobPriority(priority)
	j.Status = models.JobStatus(status)
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	return &j, nil
}
