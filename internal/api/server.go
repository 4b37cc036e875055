// Package api exposes the read-only status surface: job status, ordered
// decision logs, sandbox sessions, breaker state, health, and a live
// decision event stream. The engine is a control plane; nothing here
// mutates orchestration state except job submission.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/foundry/internal/auth"
	"github.com/jordanhubbard/foundry/internal/breaker"
	"github.com/jordanhubbard/foundry/internal/metrics"
	"github.com/jordanhubbard/foundry/internal/queue"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// Store is the read side of the persistent store the API serves from.
type Store interface {
	GetJob(id string) (*models.QueuedJob, error)
	ListDecisions(jobID string) ([]models.DecisionLogEntry, error)
	GetCouncilOutcome(jobID string) (*models.CouncilDecision, error)
	GetSession(sandboxID string) (*models.SandboxSession, error)
	GetActiveSessionForProject(projectID string) (*models.SandboxSession, error)
	ListSessions(state string, limit int) ([]*models.SandboxSession, error)
	PendingJobCounts() (map[models.JobPriority]int, error)
}

// HealthChecker reports one dependency's health.
type HealthChecker interface {
	Health() error
}

// Server is the HTTP status API server.
type Server struct {
	store   Store
	queue   *queue.Queue
	breaker *breaker.Breaker
	auth    *auth.Manager
	stream  *decisionStream
	metrics *metrics.Metrics

	enableAuth bool
	checks     map[string]HealthChecker
}

// NewServer creates the API server. authManager may be nil when access
// control is disabled.
func NewServer(store Store, q *queue.Queue, brk *breaker.Breaker, authManager *auth.Manager, enableAuth bool) *Server {
	return &Server{
		store:      store,
		queue:      q,
		breaker:    brk,
		auth:       authManager,
		metrics:    metrics.NewMetrics(),
		enableAuth: enableAuth && authManager != nil,
		checks:     make(map[string]HealthChecker),
	}
}

// RegisterHealthCheck adds a named dependency to the health report.
func (s *Server) RegisterHealthCheck(name string, c HealthChecker) {
	s.checks[name] = c
}

// AttachDecisionStream wires the live decision event source for the
// websocket endpoint.
func (s *Server) AttachDecisionStream(source EventSource) {
	s.stream = newDecisionStream(source)
}

// SetupRoutes configures HTTP routes and returns the root handler with
// tracing, metrics, and (when enabled) bearer-token auth applied.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/auth/token", s.handleToken)
	mux.Handle("/metrics", promhttp.Handler())

	// Status surface.
	protected := http.NewServeMux()
	protected.HandleFunc("/api/v1/jobs", s.handleSubmitJob)
	protected.HandleFunc("/api/v1/jobs/", s.handleJob)
	protected.HandleFunc("/api/v1/sessions", s.handleListSessions)
	protected.HandleFunc("/api/v1/sessions/", s.handleSession)
	protected.HandleFunc("/api/v1/projects/", s.handleProjectSession)
	protected.HandleFunc("/api/v1/queue/stats", s.handleQueueStats)
	protected.HandleFunc("/api/v1/breaker", s.handleBreaker)
	if s.stream != nil {
		protected.HandleFunc("/ws/decisions", s.stream.handleWebSocket)
	}
	mux.Handle("/api/v1/", s.requireToken(protected))
	mux.Handle("/ws/", s.requireToken(protected))

	return otelhttp.NewHandler(s.instrument(mux), "foundry-http-server")
}

// requireToken enforces bearer-token auth on the status surface.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.enableAuth {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			// Browsers cannot set headers on websocket upgrades.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.auth.ValidateToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := routePattern(r.URL.Path)
		s.metrics.HTTPRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
	})
}

// routePattern collapses path parameters so metric cardinality stays
// bounded.
func routePattern(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if i > 0 && len(p) > 0 {
			switch parts[i-1] {
			case "jobs", "sessions", "projects":
				parts[i] = ":id"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so websocket upgrades work behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
