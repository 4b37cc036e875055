package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jordanhubbard/foundry/internal/breaker"
	"github.com/jordanhubbard/foundry/internal/metrics"
	"github.com/jordanhubbard/foundry/internal/sberrors"
	"github.com/jordanhubbard/foundry/internal/telemetry"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// SessionStore is the durable session record boundary, satisfied by
// internal/database.
type SessionStore interface {
	CreateSession(s *models.SandboxSession) error
	GetSession(sandboxID string) (*models.SandboxSession, error)
	GetActiveSessionForProject(projectID string) (*models.SandboxSession, error)
	TouchSession(sandboxID string, at time.Time) error
	SetSessionState(sandboxID string, state models.SandboxState) error
	PauseIfIdle(sandboxID string, now time.Time) (bool, error)
	ListIdleRunningSessions(now time.Time) ([]*models.SandboxSession, error)
}

// AcquireRequest asks the manager for a usable sandbox.
type AcquireRequest struct {
	ProjectID string
	OwnerID   string
	Framework string
	// ExistingSandboxID requests reconnection before falling back to a
	// fresh create.
	ExistingSandboxID string
}

// Handle is a live reference to one sandbox. Every operation through the
// handle counts as activity and resumes a paused session.
type Handle struct {
	SandboxID string
	ProjectID string
	mgr       *Manager
}

// RunCommand executes a command in the sandbox with the manager's command
// timeout.
func (h *Handle) RunCommand(ctx context.Context, command string) (*ExecResult, error) {
	h.mgr.Touch(h.SandboxID)
	return h.mgr.provider.RunCommand(ctx, h.SandboxID, command, h.mgr.commandTimeout)
}

// WriteFile writes a workspace-relative file in the sandbox.
func (h *Handle) WriteFile(ctx context.Context, path, content string) error {
	h.mgr.Touch(h.SandboxID)
	return h.mgr.provider.WriteFile(ctx, h.SandboxID, path, content)
}

// ReadFile reads a workspace-relative file from the sandbox.
func (h *Handle) ReadFile(ctx context.Context, path string) (string, error) {
	h.mgr.Touch(h.SandboxID)
	return h.mgr.provider.ReadFile(ctx, h.SandboxID, path)
}

// Manager owns the sandbox session lifecycle: acquisition with bounded
// retries, activity tracking, the idle-pause sweep, and best-effort
// teardown.
type Manager struct {
	store    SessionStore
	provider Provider
	breaker  *breaker.Breaker
	cache    *handleCache
	metrics  *metrics.Metrics

	autoPauseTimeout time.Duration
	commandTimeout   time.Duration
	maxAcquireTries  int

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAutoPauseTimeout sets the idle timeout stamped on new sessions.
func WithAutoPauseTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.autoPauseTimeout = d }
}

// WithCommandTimeout sets the build/test command deadline.
func WithCommandTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.commandTimeout = d }
}

// WithHandleCacheTTL sets the in-process handle cache lifetime.
func WithHandleCacheTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.cache = newHandleCache(d, m.now) }
}

// WithMaxAcquireTries bounds create retries for transient failures.
func WithMaxAcquireTries(n int) ManagerOption {
	return func(m *Manager) { m.maxAcquireTries = n }
}

// WithManagerClock overrides the time source for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
		m.cache = newHandleCache(m.cache.ttl, now)
	}
}

// WithSleep overrides the backoff sleeper for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) ManagerOption {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager creates a sandbox lifecycle manager.
func NewManager(store SessionStore, provider Provider, brk *breaker.Breaker, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:            store,
		provider:         provider,
		breaker:          brk,
		metrics:          metrics.NewMetrics(),
		autoPauseTimeout: models.DefaultAutoPauseTimeout,
		commandTimeout:   120 * time.Second,
		maxAcquireTries:  4,
		now:              time.Now,
	}
	m.cache = newHandleCache(5*time.Minute, m.now)
	m.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns a usable sandbox handle for the project: cached handle,
// reconnect to an existing sandbox, or a fresh create through the circuit
// breaker with class-aware backoff, in that order.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*Handle, error) {
	started := m.now()
	defer func() {
		telemetry.AcquireLatency.Record(ctx, float64(m.now().Sub(started).Milliseconds()))
	}()
	telemetry.SandboxesAcquired.Add(ctx, 1)

	if h, ok := m.cache.get(req.ProjectID); ok {
		m.metrics.HandleCacheHits.Inc()
		m.metrics.SandboxAcquires.WithLabelValues("cached").Inc()
		m.Touch(h.SandboxID)
		return h, nil
	}
	m.metrics.HandleCacheMisses.Inc()

	existingID := req.ExistingSandboxID
	if existingID == "" {
		// Fall back to the durable record: a prior run may have left a
		// live sandbox for this project.
		if session, err := m.store.GetActiveSessionForProject(req.ProjectID); err == nil {
			existingID = session.SandboxID
		}
	}

	if existingID != "" {
		if h, err := m.reconnect(ctx, req.ProjectID, existingID); err == nil {
			m.metrics.SandboxAcquires.WithLabelValues("reconnected").Inc()
			return h, nil
		} else {
			log.Printf("[Sandbox] Reconnect to %s failed, creating fresh: %v", existingID, err)
		}
	}

	h, err := m.create(ctx, req)
	if err != nil {
		m.metrics.SandboxAcquires.WithLabelValues("failed").Inc()
		return nil, err
	}
	m.metrics.SandboxAcquires.WithLabelValues("created").Inc()
	return h, nil
}

// reconnect revalidates an existing sandbox and resumes its session.
func (m *Manager) reconnect(ctx context.Context, projectID, sandboxID string) (*Handle, error) {
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		return m.provider.Connect(ctx, sandboxID)
	})
	if err != nil {
		if sberrors.NotFound(err) {
			// The provider no longer knows this sandbox; retire the record.
			if serr := m.store.SetSessionState(sandboxID, models.SandboxStateKilled); serr != nil {
				log.Printf("[Sandbox] Failed to mark %s killed: %v", sandboxID, serr)
			}
			m.cache.invalidate(sandboxID)
		}
		return nil, err
	}

	if err := m.store.TouchSession(sandboxID, m.now()); err != nil {
		log.Printf("[Sandbox] Failed to touch session %s after reconnect: %v", sandboxID, err)
	}
	h := &Handle{SandboxID: sandboxID, ProjectID: projectID, mgr: m}
	m.cache.put(projectID, h)
	return h, nil
}

// create provisions a fresh sandbox with bounded, class-aware retries:
// exponential backoff for transient/unknown failures, a long fixed backoff
// for rate limits, immediate abort for permanent errors and an open breaker.
func (m *Manager) create(ctx context.Context, req AcquireRequest) (*Handle, error) {
	if !models.FrameworkSupported(req.Framework) {
		return nil, fmt.Errorf("unsupported framework %q", req.Framework)
	}

	var sandboxID string
	var lastErr error
	for attempt := 0; attempt < m.maxAcquireTries; attempt++ {
		err := m.breaker.Execute(ctx, func(ctx context.Context) error {
			id, err := m.provider.Create(ctx, req.Framework)
			if err != nil {
				return err
			}
			sandboxID = id
			return nil
		})
		if err == nil {
			break
		}
		lastErr = err

		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			// Breaker-open failures are surfaced with their retry-after
			// hint; deferral is the job queue's business, not ours.
			return nil, err
		}

		class := sberrors.Classify(err)
		if !class.Retryable() {
			return nil, err
		}
		if attempt == m.maxAcquireTries-1 {
			break
		}

		var backoff time.Duration
		if class == sberrors.ClassRateLimited {
			backoff = 30 * time.Second
		} else {
			backoff = time.Duration(1<<uint(attempt)) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
		log.Printf("[Sandbox] Create attempt %d failed (%s), retrying in %v: %v", attempt+1, class, backoff, err)
		if err := m.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	if sandboxID == "" {
		return nil, fmt.Errorf("sandbox create failed after %d attempts: %w", m.maxAcquireTries, lastErr)
	}

	now := m.now()
	session := &models.SandboxSession{
		SandboxID:          sandboxID,
		ProjectID:          req.ProjectID,
		OwnerID:            req.OwnerID,
		Framework:          req.Framework,
		State:              models.SandboxStateRunning,
		LastActivityAt:     now,
		AutoPauseTimeoutMs: m.autoPauseTimeout.Milliseconds(),
		CreatedAt:          now,
	}
	if err := m.store.CreateSession(session); err != nil {
		// The sandbox exists but we cannot track it; tear it down rather
		// than leak a billable resource.
		m.Release(ctx, sandboxID)
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	h := &Handle{SandboxID: sandboxID, ProjectID: req.ProjectID, mgr: m}
	m.cache.put(req.ProjectID, h)
	log.Printf("[Sandbox] Created %s for project %s (%s)", sandboxID, req.ProjectID, req.Framework)
	return h, nil
}

// Touch records activity on a sandbox: last_activity_at moves forward and a
// paused session transitions back to running. Safe to call repeatedly and
// on paused sessions.
func (m *Manager) Touch(sandboxID string) {
	if err := m.store.TouchSession(sandboxID, m.now()); err != nil {
		log.Printf("[Sandbox] Touch failed for %s: %v", sandboxID, err)
	}
}

// PauseIdle scans running sessions and pauses each one idle past its
// auto-pause timeout. Sessions the provider no longer knows are marked
// killed instead. Returns the number paused and killed. Overlapping sweep
// invocations are safe: the store-side compare-and-pause guarantees one
// pause per session.
func (m *Manager) PauseIdle(ctx context.Context) (paused, killed int, err error) {
	now := m.now()
	sessions, err := m.store.ListIdleRunningSessions(now)
	if err != nil {
		return 0, 0, fmt.Errorf("idle scan failed: %w", err)
	}

	for _, session := range sessions {
		ok, err := m.store.PauseIfIdle(session.SandboxID, now)
		if err != nil {
			log.Printf("[Sandbox] Pause record update failed for %s: %v", session.SandboxID, err)
			continue
		}
		if !ok {
			// Another sweep got there first, or activity arrived in between.
			continue
		}

		if perr := m.provider.Pause(ctx, session.SandboxID); perr != nil {
			if sberrors.NotFound(perr) {
				if serr := m.store.SetSessionState(session.SandboxID, models.SandboxStateKilled); serr != nil {
					log.Printf("[Sandbox] Failed to mark %s killed: %v", session.SandboxID, serr)
					continue
				}
				m.cache.invalidate(session.SandboxID)
				m.metrics.SandboxKills.Inc()
				killed++
				log.Printf("[Sandbox] %s gone at provider, marked killed", session.SandboxID)
				continue
			}
			// Provider pause failed but the record says paused; activity
			// will resume it, so log and move on.
			log.Printf("[Sandbox] Provider pause failed for %s: %v", session.SandboxID, perr)
		}
		m.metrics.SandboxPauses.Inc()
		paused++
		log.Printf("[Sandbox] Paused %s (idle %v)", session.SandboxID, session.IdleFor(now).Round(time.Second))
	}
	return paused, killed, nil
}

// Release tears the sandbox down, best-effort: teardown failure is logged
// and swallowed so cleanup can never mask the caller's primary outcome.
func (m *Manager) Release(ctx context.Context, sandboxID string) {
	m.cache.invalidate(sandboxID)
	telemetry.SandboxesReleased.Add(ctx, 1)

	if err := m.provider.Kill(ctx, sandboxID); err != nil {
		m.metrics.SandboxReleases.WithLabelValues("error").Inc()
		log.Printf("[Sandbox] Teardown of %s failed (non-fatal): %v", sandboxID, err)
	} else {
		m.metrics.SandboxReleases.WithLabelValues("ok").Inc()
	}

	if err := m.store.SetSessionState(sandboxID, models.SandboxStateKilled); err != nil {
		log.Printf("[Sandbox] Failed to mark %s killed: %v", sandboxID, err)
	}
}
