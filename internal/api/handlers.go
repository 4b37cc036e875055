package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jordanhubbard/foundry/internal/database"
	"github.com/jordanhubbard/foundry/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := "healthy"
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check.Health(); err != nil {
			deps[name] = err.Error()
			status = "degraded"
		} else {
			deps[name] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"breaker":      string(s.breaker.State()),
		"dependencies": deps,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.auth == nil {
		writeError(w, http.StatusNotFound, "auth disabled")
		return
	}

	var req struct {
		KeyID  string `json:"key_id"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := s.auth.Login(req.KeyID, req.Secret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleSubmitJob accepts the workflow trigger: a task spec plus queue
// priority.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		models.TaskSpec
		Priority models.JobPriority `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Instruction == "" || req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "instruction and project_id are required")
		return
	}
	if req.Mode == "" {
		req.Mode = models.TaskModeNetwork
	}
	if req.Framework == "" {
		req.Framework = "node"
	}
	if !models.FrameworkSupported(req.Framework) {
		writeError(w, http.StatusBadRequest, "unsupported framework")
		return
	}

	payload, err := json.Marshal(req.TaskSpec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode task")
		return
	}
	job, err := s.queue.Enqueue(r.Context(), "agent_task", payload, req.Priority)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleJob serves /api/v1/jobs/{id}, /{id}/decisions and /{id}/council.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "":
		job, err := s.store.GetJob(jobID)
		if errors.Is(err, database.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, job)
	case "decisions":
		entries, err := s.store.ListDecisions(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"decisions": entries,
		})
	case "council":
		decision, err := s.store.GetCouncilOutcome(jobID)
		if err != nil {
			writeError(w, http.StatusNotFound, "no council outcome for job")
			return
		}
		writeJSON(w, http.StatusOK, decision)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

// handleListSessions serves /api/v1/sessions: recent sessions newest-first,
// optionally filtered by ?state=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	state := r.URL.Query().Get("state")
	switch state {
	case "", string(models.SandboxStateRunning), string(models.SandboxStatePaused), string(models.SandboxStateKilled):
	default:
		writeError(w, http.StatusBadRequest, "unknown state filter")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	sessions, err := s.store.ListSessions(state, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*models.SandboxSession{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sandboxID := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if sandboxID == "" {
		writeError(w, http.StatusBadRequest, "sandbox id is required")
		return
	}
	session, err := s.store.GetSession(sandboxID)
	if errors.Is(err, database.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleProjectSession serves /api/v1/projects/{id}/sandbox: the current
// live sandbox for a project, if any.
func (s *Server) handleProjectSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/projects/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "sandbox" {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	session, err := s.store.GetActiveSessionForProject(parts[0])
	if errors.Is(err, database.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "no active sandbox for project")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	counts, err := s.store.PendingJobCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": map[string]int{
			"high":   counts[models.JobPriorityHigh],
			"normal": counts[models.JobPriorityNormal],
			"low":    counts[models.JobPriorityLow],
		},
	})
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":         string(s.breaker.State()),
		"failure_count": s.breaker.FailureCount(),
	})
}
