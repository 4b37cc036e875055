package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/foundry/internal/auth"
	"github.com/jordanhubbard/foundry/internal/breaker"
	"github.com/jordanhubbard/foundry/internal/database"
	"github.com/jordanhubbard/foundry/internal/queue"
	"github.com/jordanhubbard/foundry/pkg/models"
)

type fakeStore struct {
	jobs      map[string]*models.QueuedJob
	decisions map[string][]models.DecisionLogEntry
	sessions  map[string]*models.SandboxSession
	keys      map[string]*models.APIKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      make(map[string]*models.QueuedJob),
		decisions: make(map[string][]models.DecisionLogEntry),
		sessions:  make(map[string]*models.SandboxSession),
		keys:      make(map[string]*models.APIKey),
	}
}

func (f *fakeStore) GetJob(id string) (*models.QueuedJob, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, database.ErrJobNotFound
}

func (f *fakeStore) ListDecisions(jobID string) ([]models.DecisionLogEntry, error) {
	return f.decisions[jobID], nil
}

func (f *fakeStore) GetCouncilOutcome(jobID string) (*models.CouncilDecision, error) {
	return nil, database.ErrJobNotFound
}

func (f *fakeStore) GetSession(id string) (*models.SandboxSession, error) {
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, database.ErrSessionNotFound
}

func (f *fakeStore) GetActiveSessionForProject(projectID string) (*models.SandboxSession, error) {
	for _, s := range f.sessions {
		if s.ProjectID == projectID && s.State != models.SandboxStateKilled {
			return s, nil
		}
	}
	return nil, database.ErrSessionNotFound
}

func (f *fakeStore) ListSessions(state string, limit int) ([]*models.SandboxSession, error) {
	var out []*models.SandboxSession
	for _, s := range f.sessions {
		if state != "" && string(s.State) != state {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) PendingJobCounts() (map[models.JobPriority]int, error) {
	counts := make(map[models.JobPriority]int)
	for _, j := range f.jobs {
		if j.Status == models.JobStatusPending {
			counts[j.Priority]++
		}
	}
	return counts, nil
}

// queue.Store methods beyond the read surface.
func (f *fakeStore) InsertJob(j *models.QueuedJob) error {
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}
func (f *fakeStore) NextPendingJob() (*models.QueuedJob, error) { return nil, database.ErrJobNotFound }
func (f *fakeStore) ClaimJob(id string, at time.Time) (bool, error) { return false, nil }
func (f *fakeStore) CompleteJob(id string, at time.Time) error      { return nil }
func (f *fakeStore) FailJob(id, msg string, at time.Time) (models.JobStatus, error) {
	return models.JobStatusFailed, nil
}
func (f *fakeStore) DeleteTerminalJobsBefore(cutoff time.Time, limit int) (int, error) {
	return 0, nil
}
func (f *fakeStore) RequeueStaleProcessingJobs(cutoff time.Time, limit int) (int, error) {
	return 0, nil
}

func newTestServer(store *fakeStore, enableAuth bool, am *auth.Manager) *Server {
	q := queue.New(store)
	brk := breaker.New("sandbox-provider")
	return NewServer(store, q, brk, am, enableAuth)
}

func TestHandleJobStatus(t *testing.T) {
	store := newFakeStore()
	store.jobs["job-1"] = &models.QueuedJob{
		ID: "job-1", Type: "agent_task", Status: models.JobStatusProcessing,
		Priority: models.JobPriorityHigh,
	}
	handler := newTestServer(store, false, nil).SetupRoutes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var job models.QueuedJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if job.ID != "job-1" || job.Status != models.JobStatusProcessing {
		t.Fatalf("unexpected job: %+v", job)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", rec.Code)
	}
}

func TestHandleJobDecisions(t *testing.T) {
	store := newFakeStore()
	store.decisions["job-1"] = []models.DecisionLogEntry{
		{JobID: "job-1", Seq: 1, Agent: "planner", Decision: "plan_ready"},
		{JobID: "job-1", Seq: 2, Agent: "coder", Decision: "code_ready"},
	}
	handler := newTestServer(store, false, nil).SetupRoutes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1/decisions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Decisions []models.DecisionLogEntry `json:"decisions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Decisions) != 2 || resp.Decisions[0].Seq != 1 {
		t.Fatalf("unexpected decisions: %+v", resp.Decisions)
	}
}

func TestHandleSubmitJob(t *testing.T) {
	store := newFakeStore()
	handler := newTestServer(store, false, nil).SetupRoutes()

	body := `{"project_id":"proj-1","instruction":"build it","mode":"network","priority":"high"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var job models.QueuedJob
	json.Unmarshal(rec.Body.Bytes(), &job)
	if job.Priority != models.JobPriorityHigh || job.Type != "agent_task" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if _, ok := store.jobs[job.ID]; !ok {
		t.Fatal("job should be persisted")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty submit status = %d, want 400", rec.Code)
	}

	body = `{"project_id":"proj-1","instruction":"build it","framework":"cobol"}`
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unsupported framework status = %d, want 400", rec.Code)
	}
}

func TestHandleSessionAndProjectLookup(t *testing.T) {
	store := newFakeStore()
	store.sessions["sb-1"] = &models.SandboxSession{
		SandboxID: "sb-1", ProjectID: "proj-1", State: models.SandboxStateRunning,
	}
	handler := newTestServer(store, false, nil).SetupRoutes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sb-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/projects/proj-1/sandbox", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("project sandbox status = %d, want 200", rec.Code)
	}
	var session models.SandboxSession
	json.Unmarshal(rec.Body.Bytes(), &session)
	if session.SandboxID != "sb-1" {
		t.Fatalf("unexpected session: %+v", session)
	}
}

func TestHandleListSessions(t *testing.T) {
	store := newFakeStore()
	store.sessions["sb-1"] = &models.SandboxSession{
		SandboxID: "sb-1", ProjectID: "proj-1", State: models.SandboxStateRunning,
	}
	store.sessions["sb-2"] = &models.SandboxSession{
		SandboxID: "sb-2", ProjectID: "proj-2", State: models.SandboxStatePaused,
	}
	handler := newTestServer(store, false, nil).SetupRoutes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var resp struct {
		Sessions []models.SandboxSession `json:"sessions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Sessions) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(resp.Sessions))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions?state=paused", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered status = %d, want 200", rec.Code)
	}
	resp.Sessions = nil
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Sessions) != 1 || resp.Sessions[0].SandboxID != "sb-2" {
		t.Fatalf("filtered sessions = %+v, want [sb-2]", resp.Sessions)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions?state=hibernating", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown state filter status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions?limit=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero limit status = %d, want 400", rec.Code)
	}
}

func TestHandleHealthAndBreaker(t *testing.T) {
	handler := newTestServer(newFakeStore(), false, nil).SetupRoutes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/breaker", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("breaker status = %d, want 200", rec.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["state"] != "closed" {
		t.Fatalf("breaker state = %v, want closed", resp["state"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	store := newFakeStore()
	am := auth.NewManager(keyStoreAdapter{store}, "test-secret")
	handler := newTestServer(store, true, am).SetupRoutes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/breaker", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	// Health stays open.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}

	key, secret, err := am.MintKey("ci")
	if err != nil {
		t.Fatalf("MintKey failed: %v", err)
	}
	token, err := am.Login(key.ID, secret)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/breaker", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}
}

// keyStoreAdapter exposes the fake store's key map through auth.KeyStore.
type keyStoreAdapter struct{ s *fakeStore }

func (a keyStoreAdapter) InsertAPIKey(k *models.APIKey) error {
	cp := *k
	a.s.keys[k.ID] = &cp
	return nil
}

func (a keyStoreAdapter) GetAPIKey(id string) (*models.APIKey, error) {
	if k, ok := a.s.keys[id]; ok {
		return k, nil
	}
	return nil, database.ErrKeyNotFound
}

func (a keyStoreAdapter) TouchAPIKey(id string, at time.Time) error { return nil }
