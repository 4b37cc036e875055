package messages

import (
	"time"

	"github.com/jordanhubbard/foundry/pkg/models"
)

// EventMessage represents a system event published via NATS for the
// surrounding product (UI, notifications).
type EventMessage struct {
	Type          string                 `json:"type"`   // "job.status", "job.decision", "breaker.state", etc.
	Source        string                 `json:"source"` // Service that generated the event
	ProjectID     string                 `json:"project_id,omitempty"`
	JobID         string                 `json:"job_id,omitempty"`
	Event         EventData              `json:"event"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// EventData contains the event-specific information
type EventData struct {
	Action      string                 `json:"action"`   // "updated", "appended", "opened", "closed"
	Category    string                 `json:"category"` // "job", "decision", "breaker", "sandbox"
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// JobStatusChanged creates a job.status event.
func JobStatusChanged(projectID, jobID, source string, status models.JobStatus) *EventMessage {
	return &EventMessage{
		Type:      "job.status",
		Source:    source,
		ProjectID: projectID,
		JobID:     jobID,
		Event: EventData{
			Action:   "updated",
			Category: "job",
			Data:     map[string]interface{}{"status": string(status)},
		},
		Timestamp: time.Now(),
	}
}

// DecisionAppended creates a job.decision event for one audit-trail entry.
func DecisionAppended(projectID, jobID, source string, entry models.DecisionLogEntry) *EventMessage {
	return &EventMessage{
		Type:      "job.decision",
		Source:    source,
		ProjectID: projectID,
		JobID:     jobID,
		Event: EventData{
			Action:   "appended",
			Category: "decision",
			Data: map[string]interface{}{
				"seq":       entry.Seq,
				"agent":     entry.Agent,
				"decision":  entry.Decision,
				"reasoning": entry.Reasoning,
			},
		},
		Timestamp: time.Now(),
	}
}

// BreakerStateChanged creates a breaker.state event. Emitted on transitions
// into open and on failed half-open probes so monitoring can alert.
func BreakerStateChanged(service, source, state string, failureCount int) *EventMessage {
	return &EventMessage{
		Type:   "breaker.state",
		Source: source,
		Event: EventData{
			Action:   state,
			Category: "breaker",
			Data: map[string]interface{}{
				"service":       service,
				"failure_count": failureCount,
			},
		},
		Timestamp: time.Now(),
	}
}

// SandboxStateChanged creates a sandbox.state event.
func SandboxStateChanged(projectID, sandboxID, source string, state models.SandboxState) *EventMessage {
	return &EventMessage{
		Type:      "sandbox.state",
		Source:    source,
		ProjectID: projectID,
		Event: EventData{
			Action:   string(state),
			Category: "sandbox",
			Data:     map[string]interface{}{"sandbox_id": sandboxID},
		},
		Timestamp: time.Now(),
	}
}
