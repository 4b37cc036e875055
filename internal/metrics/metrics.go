package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Foundry
type Metrics struct {
	// Job metrics
	JobsTotal     *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobRetries    prometheus.Counter
	QueueDepth    *prometheus.GaugeVec
	QueuePolls    *prometheus.CounterVec
	QueueSweeps   prometheus.Counter

	// Sandbox metrics
	SandboxAcquires   *prometheus.CounterVec
	SandboxPauses     prometheus.Counter
	SandboxKills      prometheus.Counter
	SandboxReleases   *prometheus.CounterVec
	HandleCacheHits   prometheus.Counter
	HandleCacheMisses prometheus.Counter

	// Breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerFastFails   *prometheus.CounterVec

	// Agent network metrics
	PhaseTransitions *prometheus.CounterVec
	AgentIterations  prometheus.Counter
	CouncilVerdicts  *prometheus.CounterVec

	// System metrics
	EventsPublished     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			JobsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foundry_jobs_total",
					Help: "Total number of jobs by terminal result",
				},
				[]string{"mode", "result"},
			),
			JobDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "foundry_job_duration_seconds",
					Help:    "Duration of orchestration runs in seconds",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
				},
				[]string{"mode"},
			),
			JobRetries: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "foundry_job_retries_total",
					Help: "Number of jobs reverted to pending for redelivery",
				},
			),
			QueueDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "foundry_queue_depth",
					Help: "Number of pending jobs by priority",
				},
				[]string{"priority"},
			),
			QueuePolls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foundry_queue_polls_total",
					Help: "Queue poll outcomes (delivered, empty, skipped_open)",
				},
				[]string{"outcome"},
			),
			QueueSweeps: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "foundry_queue_sweeps_total",
					Help: "Retention sweep runs",
				},
			),

			SandboxAcquires: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foundry_sandbox_acquires_total",
					Help: "Sandbox acquisitions (created, reconnected, cached, failed)",
				},
				[]string{"outcome"},
			),
			SandboxPauses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "foundry_sandbox_pauses_total",
					Help: "Sandboxes paused by the idle sweep",
				},
			),
			SandboxKills: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "foundry_sandbox_kills_total",
					Help: "Sandboxes discovered dead and marked killed",
				},
			),
			SandboxReleases: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foundry_sandbox_releases_total",
					Help: "Sandbox teardown attempts by outcome",
				},
				[]string{"outcome"},
			),
			HandleCacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "foundry_handle_cache_hits_total",
					Help: "Sandbox handle cache hits",
				},
			),
			HandleCacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "foundry_handle_cache_misses_total",
					Help: "Sandbox handle cache misses",
				},
			),

			BreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "foundry_breaker_state",
					Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
				},
				[]string{"service"},
			),
			BreakerTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foundry_breaker_transitions_total",
					Help: "Circuit breaker state transitions",
				},
				[]string{"service", "to"},
			),
			BreakerFastFails: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foundry_breaker_fast_fails_total",
					Help: "Calls rejected while the breaker was open",
				},
				[]string{"service"},
			),

			PhaseTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foundry_phase_transitions_total",
					Help: "Agent network phase transitions",
				},
				[]string{"from", "to"},
			),
			AgentIterations: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "foundry_agent_iterations_total",
					Help: "Agent network routing decisions",
				},
			),
			CouncilVerdicts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foundry_council_verdicts_total",
					Help: "Council consensus verdicts",
				},
				[]string{"decision"},
			),

			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foundry_events_published_total",
					Help: "Events published to the message bus",
				},
				[]string{"type"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foundry_http_requests_total",
					Help: "HTTP requests to the status API",
				},
				[]string{"path", "method", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "foundry_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"path", "method"},
			),
		}
	})
	return sharedMetrics
}
