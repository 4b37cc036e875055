// Package council implements the voting/consensus mechanism: agents judge
// one artifact independently and a majority rule reduces their votes to a
// single verdict.
package council

import (
	"sync"

	"github.com/jordanhubbard/foundry/internal/metrics"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// Council collects votes for one task. Votes are append-only for the
// task's lifetime; consensus is a pure reduction over the set recorded so
// far.
type Council struct {
	mu      sync.Mutex
	votes   []models.AgentVote
	metrics *metrics.Metrics
}

// New creates an empty council.
func New() *Council {
	return &Council{metrics: metrics.NewMetrics()}
}

// RecordVote appends one vote. Confidence is clamped to [0, 1].
func (c *Council) RecordVote(vote models.AgentVote) {
	if vote.Confidence < 0 {
		vote.Confidence = 0
	}
	if vote.Confidence > 1 {
		vote.Confidence = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.votes = append(c.votes, vote)
}

// RecordVotes appends a batch of votes.
func (c *Council) RecordVotes(votes []models.AgentVote) {
	for _, v := range votes {
		c.RecordVote(v)
	}
}

// Votes returns a copy of the votes recorded so far.
func (c *Council) Votes() []models.AgentVote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.AgentVote(nil), c.votes...)
}

// GetConsensus reduces the recorded votes to one verdict. Majority rule:
// approve wins only with a strict majority of approve votes, reject wins
// symmetrically, and everything else (ties, pluralities, zero votes)
// yields revise. Ties never approve.
func (c *Council) GetConsensus(note string) models.CouncilDecision {
	votes := c.Votes()
	decision := Reduce(votes, note)
	c.metrics.CouncilVerdicts.WithLabelValues(string(decision.FinalDecision)).Inc()
	return decision
}

// Reduce is the pure majority reduction over a vote set. It is
// order-independent: permuting votes never changes the verdict.
func Reduce(votes []models.AgentVote, note string) models.CouncilDecision {
	counts := make(map[models.VoteDecision]int)
	for _, v := range votes {
		counts[v.Decision]++
	}
	total := len(votes)

	final := models.VoteRevise
	if counts[models.VoteApprove]*2 > total {
		final = models.VoteApprove
	} else if counts[models.VoteReject]*2 > total {
		final = models.VoteReject
	}

	return models.CouncilDecision{
		FinalDecision:    final,
		AgreeCount:       counts[final],
		TotalVotes:       total,
		Votes:            append([]models.AgentVote(nil), votes...),
		OrchestratorNote: note,
	}
}

// FallbackVotes is the vote set used when every agent fails to emit one.
// Real votes are always preferred; callers applying this set record the
// substitution in the orchestrator note.
func FallbackVotes() []models.AgentVote {
	return []models.AgentVote{
		{AgentName: "quality", Decision: models.VoteRevise, Confidence: 0.5,
			Reasoning: "no vote received, defaulting to revise"},
		{AgentName: "security", Decision: models.VoteRevise, Confidence: 0.5,
			Reasoning: "no vote received, defaulting to revise"},
		{AgentName: "architecture", Decision: models.VoteRevise, Confidence: 0.5,
			Reasoning: "no vote received, defaulting to revise"},
	}
}
