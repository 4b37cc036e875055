package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/foundry/internal/agentnet"
	"github.com/jordanhubbard/foundry/internal/api"
	"github.com/jordanhubbard/foundry/internal/auth"
	"github.com/jordanhubbard/foundry/internal/breaker"
	"github.com/jordanhubbard/foundry/internal/database"
	"github.com/jordanhubbard/foundry/internal/driver"
	"github.com/jordanhubbard/foundry/internal/events"
	"github.com/jordanhubbard/foundry/internal/locker"
	"github.com/jordanhubbard/foundry/internal/queue"
	"github.com/jordanhubbard/foundry/internal/sandbox"
	"github.com/jordanhubbard/foundry/internal/telemetry"
	"github.com/jordanhubbard/foundry/internal/temporal"
	"github.com/jordanhubbard/foundry/pkg/config"
	"github.com/jordanhubbard/foundry/pkg/messages"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Foundry v%s\n", version)
		return
	}

	cfg, err := config.LoadConfigFromFile(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}

	// Override with environment variables if set
	if dsn := os.Getenv("FOUNDRY_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if temporalHost := os.Getenv("TEMPORAL_HOST"); temporalHost != "" {
		cfg.Temporal.Host = temporalHost
		log.Printf("Using Temporal host from environment: %s", temporalHost)
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.Nats.URL = natsURL
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		endpoint := cfg.Telemetry.OTLPEndpoint
		if env := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); env != "" {
			endpoint = env
		}
		shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, cfg.Telemetry.ServiceName, endpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	db, err := database.NewPostgres(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	// Event bus is best-effort: the engine runs without it, the product
	// just loses live updates.
	var bus *events.Bus
	bus, err = events.NewBus(events.Config{
		URL:        cfg.Nats.URL,
		StreamName: cfg.Nats.StreamName,
		Timeout:    cfg.Nats.Timeout,
	})
	if err != nil {
		log.Printf("Warning: NATS unavailable, events disabled: %v", err)
		bus = nil
	} else {
		defer bus.Close()
	}

	brkOpts := []breaker.Option{
		breaker.WithThreshold(cfg.Breaker.Threshold),
		breaker.WithCooldown(cfg.Breaker.Cooldown),
	}
	if bus != nil {
		brkOpts = append(brkOpts, breaker.WithAlertSink(busAlertSink{bus: bus}))
	}
	brk := breaker.New("sandbox-provider", brkOpts...)

	// Leave the lock interfaces nil when Redis is not configured; a typed
	// nil pointer behind the interface would defeat the sweepers' nil check.
	var queueLocks queue.LockProvider
	var sandboxLocks sandbox.LockProvider
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		locks := locker.New(rdb, "foundry")
		queueLocks = locks
		sandboxLocks = locks
		log.Printf("Sweep locks enabled via Redis at %s", cfg.Redis.Addr)
	}

	provider := sandbox.NewHTTPProvider(cfg.Sandbox.ProviderURL, cfg.Sandbox.ProbeTimeout)
	sandboxes := sandbox.NewManager(db, provider, brk,
		sandbox.WithAutoPauseTimeout(cfg.Sandbox.AutoPauseTimeout),
		sandbox.WithCommandTimeout(cfg.Sandbox.CommandTimeout),
		sandbox.WithHandleCacheTTL(cfg.Sandbox.HandleCacheTTL),
		sandbox.WithMaxAcquireTries(cfg.Sandbox.MaxAcquireTries),
	)

	queueOpts := []queue.Option{queue.WithMaxAttempts(cfg.Queue.MaxAttempts)}
	if bus != nil {
		queueOpts = append(queueOpts, queue.WithEventPublisher(bus))
	}
	jobs := queue.New(db, queueOpts...)

	var tester agentnet.PhaseAgent
	if len(cfg.Agents.TestCommands) > 0 {
		tester = agentnet.NewCommandTester(cfg.Agents.TestCommands...)
	} else {
		tester = agentnet.NewRemoteAgent("tester", cfg.Agents.Endpoint, cfg.Agents.TurnTimeout)
	}
	router := agentnet.NewRouter(agentnet.Agents{
		Planner:  agentnet.NewRemoteAgent("planner", cfg.Agents.Endpoint, cfg.Agents.TurnTimeout),
		Coder:    agentnet.NewRemoteAgent("coder", cfg.Agents.Endpoint, cfg.Agents.TurnTimeout),
		Tester:   tester,
		Reviewer: agentnet.NewRemoteAgent("reviewer", cfg.Agents.Endpoint, cfg.Agents.TurnTimeout),
	}, agentnet.WithMaxIterations(cfg.Agents.MaxIterations))
	votes := agentnet.NewRemoteVoteCaster(cfg.Agents.Endpoint, cfg.Agents.TurnTimeout)

	driverOpts := []driver.Option{}
	if bus != nil {
		driverOpts = append(driverOpts, driver.WithEventPublisher(bus))
	}
	drv := driver.New(sandboxes, router, votes, db, driverOpts...)

	// Execution path: Temporal workflows when enabled, the in-process
	// poller otherwise. Both skip the queue while the breaker is open.
	if cfg.Temporal.Enabled {
		manager, err := temporal.NewManager(&cfg.Temporal, drv, jobs)
		if err != nil {
			log.Fatalf("failed to initialize temporal: %v", err)
		}
		if err := manager.Start(); err != nil {
			log.Fatalf("failed to start temporal worker: %v", err)
		}
		defer manager.Stop()
		go temporal.NewDispatcher(jobs, manager, brk, cfg.Queue.PollInterval).Run(runCtx)
	} else {
		go queue.NewPoller(jobs, brk, drv.HandleJob,
			queue.WithPollInterval(cfg.Queue.PollInterval)).Run(runCtx)
	}

	go queue.NewSweeper(jobs, queueLocks,
		queue.WithSweepInterval(cfg.Queue.SweepInterval),
		queue.WithRetention(cfg.Queue.Retention),
		queue.WithStaleClaimAfter(cfg.Queue.StaleClaimAfter),
		queue.WithSweepBatchSize(cfg.Queue.SweepBatchSize),
	).Run(runCtx)

	go sandbox.NewSweeper(sandboxes, db, sandboxLocks,
		sandbox.WithSweepInterval(cfg.Sandbox.SweepInterval),
		sandbox.WithSessionRetention(cfg.Sandbox.SessionRetention),
	).Run(runCtx)

	var authManager *auth.Manager
	if cfg.Security.EnableAuth {
		authManager = auth.NewManager(db, cfg.Security.JWTSecret,
			auth.WithTokenTTL(cfg.Security.TokenTTL))
	}

	server := api.NewServer(db, jobs, brk, authManager, cfg.Security.EnableAuth)
	server.RegisterHealthCheck("database", db)
	if bus != nil {
		server.RegisterHealthCheck("nats", bus)
		server.AttachDecisionStream(bus)
	}

	// Hot reload covers per-operation tuning knobs only; connection
	// settings require a restart.
	watcher, err := config.NewWatcher(*configPath, func(next *config.Config) {
		router.SetMaxIterations(next.Agents.MaxIterations)
	})
	if err != nil {
		log.Printf("Warning: config watcher disabled: %v", err)
	} else {
		go watcher.Run(runCtx)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		log.Printf("Foundry v%s listening on :%d", version, cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
}

// busAlertSink publishes breaker alerts to the event bus.
type busAlertSink struct {
	bus *events.Bus
}

func (s busAlertSink) BreakerAlert(service string, state breaker.State, failureCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, messages.BreakerStateChanged(service, "breaker", string(state), failureCount)); err != nil {
		log.Printf("[Main] Failed to publish breaker alert: %v", err)
	}
}
