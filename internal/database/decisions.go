package database

import (
	"fmt"
	"time"

	"github.com/jordanhubbard/foundry/pkg/models"
)

// AppendDecision appends one audit-trail entry for a job, assigning the next
// sequence number. Returns the entry with Seq filled in.
func (d *Database) AppendDecision(jobID, agent, decision, reasoning string, at time.Time) (*models.DecisionLogEntry, error) {
	query := rebind(`
		INSERT INTO decision_log (job_id, seq, agent, decision, reasoning, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM decision_log WHERE job_id = ?), ?, ?, ?, ?)
		RETURNING seq`)
	entry := &models.DecisionLogEntry{
		JobID:     jobID,
		Agent:     agent,
		Decision:  decision,
		Reasoning: reasoning,
		CreatedAt: at,
	}
	if err := d.db.QueryRow(query, jobID, jobID, agent, decision, reasoning, at).Scan(&entry.Seq); err != nil {
		return nil, fmt.Errorf("failed to append decision for job %s: %w", jobID, err)
	}
	return entry, nil
}

// ListDecisions returns the ordered decision log for a job.
func (d *Database) ListDecisions(jobID string) ([]models.DecisionLogEntry, error) {
	query := rebind(`
		SELECT job_id, seq, agent, decision, COALESCE(reasoning, ''), created_at
		FROM decision_log WHERE job_id = ? ORDER BY seq ASC`)
	rows, err := d.db.Query(query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var entries []models.DecisionLogEntry
	for rows.Next() {
		var e models.DecisionLogEntry
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Agent, &e.Decision, &e.Reasoning, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveCouncilOutcome persists the votes and their derived consensus in one
// transaction, so a decision row never exists without its source votes.
func (d *Database) SaveCouncilOutcome(jobID string, decision *models.CouncilDecision, at time.Time) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin council transaction: %w", err)
	}
	defer tx.Rollback()

	voteQuery := rebind(`
		INSERT INTO council_votes (job_id, agent_name, decision, confidence, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, agent_name) DO UPDATE
		SET decision = EXCLUDED.decision,
		    confidence = EXCLUDED.confidence,
		    reasoning = EXCLUDED.reasoning`)
	for _, v := range decision.Votes {
		if _, err := tx.Exec(voteQuery, jobID, v.AgentName, string(v.Decision), v.Confidence, v.Reasoning, at); err != nil {
			return fmt.Errorf("failed to insert vote from %s: %w", v.AgentName, err)
		}
	}

	decisionQuery := rebind(`
		INSERT INTO council_decisions (job_id, final_decision, agree_count, total_votes, orchestrator_note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE
		SET final_decision = EXCLUDED.final_decision,
		    agree_count = EXCLUDED.agree_count,
		    total_votes = EXCLUDED.total_votes,
		    orchestrator_note = EXCLUDED.orchestrator_note`)
	if _, err := tx.Exec(decisionQuery, jobID, string(decision.FinalDecision),
		decision.AgreeCount, decision.TotalVotes, decision.OrchestratorNote, at); err != nil {
		return fmt.Errorf("failed to insert council decision: %w", err)
	}

	return tx.Commit()
}

// GetCouncilOutcome loads a job's consensus with its votes.
func (d *Database) GetCouncilOutcome(jobID string) (*models.CouncilDecision, error) {
	query := rebind(`
		SELECT final_decision, agree_count, total_votes, COALESCE(orchestrator_note, '')
		FROM council_decisions WHERE job_id = ?`)
	var decision models.CouncilDecision
	var final string
	err := d.db.QueryRow(query, jobID).Scan(&final, &decision.AgreeCount, &decision.TotalVotes, &decision.OrchestratorNote)
	if err != nil {
		return nil, fmt.Errorf("failed to load council decision for job %s: %w", jobID, err)
	}
	decision.FinalDecision = models.VoteDecision(final)

	voteQuery := rebind(`
		SELECT agent_name, decision, confidence, COALESCE(reasoning, '')
		FROM council_votes WHERE job_id = ? ORDER BY agent_name ASC`)
	rows, err := d.db.Query(voteQuery, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load council votes for job %s: %w", jobID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var v models.AgentVote
		var dec string
		if err := rows.Scan(&v.AgentName, &dec, &v.Confidence, &v.Reasoning); err != nil {
			return nil, fmt.Errorf("failed to scan vote row: %w", err)
		}
		v.Decision = models.VoteDecision(dec)
		decision.Votes = append(decision.Votes, v)
	}
	return &decision, rows.Err()
}
