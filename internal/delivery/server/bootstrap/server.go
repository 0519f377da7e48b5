// Package bootstrap wires the coordination server: configuration, postgres
// stores, services, the scheduler engine, and the HTTP layer.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/app/artifacts"
	"github.com/buildd-ai/buildd-sub004/internal/app/auth"
	"github.com/buildd-ai/buildd-sub004/internal/app/claim"
	"github.com/buildd-ai/buildd-sub004/internal/app/lifecycle"
	"github.com/buildd-ai/buildd-sub004/internal/app/observe"
	"github.com/buildd-ai/buildd-sub004/internal/app/reassign"
	"github.com/buildd-ai/buildd-sub004/internal/app/registry"
	"github.com/buildd-ai/buildd-sub004/internal/app/scheduler"
	"github.com/buildd-ai/buildd-sub004/internal/app/skills"
	"github.com/buildd-ai/buildd-sub004/internal/app/tasks"
	"github.com/buildd-ai/buildd-sub004/internal/bus"
	"github.com/buildd-ai/buildd-sub004/internal/config"
	serverHTTP "github.com/buildd-ai/buildd-sub004/internal/delivery/server/http"
	"github.com/buildd-ai/buildd-sub004/internal/infra/postgres"
	"github.com/buildd-ai/buildd-sub004/internal/observability"
	"github.com/buildd-ai/buildd-sub004/internal/shared/async"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// schedulerLeaderLock names the cluster-wide advisory lock gating the tick
// engine.
const schedulerLeaderLock = "buildd-scheduler-leader"

const leaderRetryInterval = 5 * time.Second

// Options tune a server run.
type Options struct {
	// ConfigPath overrides the default ~/.buildd/server.yaml location.
	ConfigPath string

	// Overrides are applied on top of file and environment configuration
	// (flag values from the CLI).
	Overrides config.Overrides
}

// RunServer starts the coordination server and blocks until a shutdown
// signal arrives.
func RunServer(opts Options) error {
	logger := logging.NewComponentLogger("Main")

	loadOpts := []config.Option{config.WithOverrides(opts.Overrides)}
	if opts.ConfigPath != "" {
		loadOpts = append(loadOpts, config.WithConfigPath(opts.ConfigPath))
	}
	cfg, meta, err := config.Load(loadOpts...)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyLogConfig(cfg)
	logger.Info("Starting buildd server (environment=%s, config=%s)", cfg.Environment, meta.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Phase 1: required infrastructure ──

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	taskStore := postgres.NewTaskStore(pool)
	workerStore := postgres.NewWorkerStore(pool)
	runnerStore := postgres.NewRunnerStore(pool)
	scheduleStore := postgres.NewScheduleStore(pool)
	observationStore := postgres.NewObservationStore(pool)
	artifactStore := postgres.NewArtifactStore(pool)
	skillStore := postgres.NewSkillStore(pool)
	accountStore := postgres.NewAccountStore(pool)
	workspaceStore := postgres.NewWorkspaceStore(pool)
	deviceStore := postgres.NewDeviceStore(pool)

	if err := postgres.EnsureAllSchemas(ctx,
		accountStore, workspaceStore, deviceStore,
		taskStore, workerStore, runnerStore,
		scheduleStore, observationStore, artifactStore, skillStore,
	); err != nil {
		return fmt.Errorf("ensuring schemas: %w", err)
	}

	metrics, err := observability.NewMetricsCollector(cfg.MetricsEnabled)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("[Bootstrap] Metrics shutdown: %v", err)
		}
	}()

	broadcaster := bus.New(
		bus.WithHistorySize(cfg.BusHistorySize),
		bus.WithClientBuffer(cfg.BusClientBuffer),
		bus.WithLogger(logging.NewComponentLogger("Bus")),
		bus.WithMetrics(metrics),
	)
	defer broadcaster.Close()

	// ── Phase 2: services ──

	authSvc := auth.NewService(accountStore, workspaceStore, deviceStore, logging.NewComponentLogger("Auth"))
	registrySvc := registry.NewService(runnerStore, logging.NewComponentLogger("Registry"))

	claimSvc := claim.NewService(workerStore, broadcaster, metrics, logging.NewComponentLogger("Claim"))
	claimSvc.SetLeaseTTL(cfg.ClaimLeaseTTL)

	lifecycleSvc := lifecycle.NewService(workerStore, taskStore, artifactStore, broadcaster, metrics, logging.NewComponentLogger("Lifecycle"))
	lifecycleSvc.SetLeaseTTL(cfg.ClaimLeaseTTL)

	tasksSvc := tasks.NewService(taskStore, workspaceStore, registrySvc, broadcaster, logging.NewComponentLogger("Tasks"))

	reassignSvc := reassign.NewService(taskStore, workerStore, workspaceStore, broadcaster, metrics, logging.NewComponentLogger("Reassign"))
	reassignSvc.SetTimeouts(cfg.StaleActiveAfter, cfg.StalePlanningAfter)

	schedulesSvc := scheduler.NewService(scheduleStore, logging.NewSchedulerLogger("Schedules"))
	observeSvc := observe.NewService(observationStore, logging.NewComponentLogger("Observe"))
	skillsSvc := skills.NewService(skillStore, workspaceStore, broadcaster, logging.NewComponentLogger("Skills"))
	artifactsSvc := artifacts.NewService(artifactStore, workerStore, logging.NewComponentLogger("Artifacts"))

	// ── Phase 3: background subsystems ──

	schedulerLogger := logging.NewSchedulerLogger("Engine")
	prober := scheduler.NewHTTPProber(metrics, schedulerLogger)
	prober.SetClient(&http.Client{Timeout: cfg.ProbeTimeout})

	hostname, _ := os.Hostname()
	leader := postgres.NewAdvisoryLock(pool, schedulerLeaderLock, hostname, leaderRetryInterval, schedulerLogger)

	engine := scheduler.NewEngine(
		scheduler.Config{TickInterval: cfg.SchedulerTick},
		scheduleStore, taskStore, workspaceStore,
		prober, broadcaster,
		scheduler.NewLogNotifier(schedulerLogger),
		leader, metrics, schedulerLogger,
	)
	async.Go(schedulerLogger, "scheduler.run", func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			schedulerLogger.Error("scheduler engine exited: %v", err)
		}
	})
	defer engine.Stop()

	sweeper := reassign.NewSweeper(reassignSvc, cfg.StaleSweepInterval, logging.NewComponentLogger("Sweeper"))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watchConfigFile(ctx, meta.Path(), logger)

	// ── Phase 4: HTTP layer ──

	router := serverHTTP.NewRouter(
		serverHTTP.RouterDeps{
			Auth:         authSvc,
			Claims:       claimSvc,
			Workers:      lifecycleSvc,
			Tasks:        tasksSvc,
			Reassign:     reassignSvc,
			Registry:     registrySvc,
			Schedules:    schedulesSvc,
			Observations: observeSvc,
			Skills:       skillsSvc,
			Artifacts:    artifactsSvc,
			Broadcaster:  broadcaster,
			Sweeper:      reassignSvc,
			Pinger:       pool,
			Metrics:      metrics,
			Logger:       logging.NewHTTPLogger("Router"),
		},
		serverHTTP.RouterConfig{
			Environment:    cfg.Environment,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
		},
	)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
		// SSE and WebSocket connections are long-lived; no write timeout.
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: 120 * time.Second,
	}

	return serveUntilSignal(ctx, server, cfg.ShutdownGrace, logger)
}

// applyLogConfig pushes file-configured log settings into the shared
// logging layer.
func applyLogConfig(cfg config.ServerConfig) {
	if cfg.LogDir != "" {
		os.Setenv("BUILDD_LOG_DIR", cfg.LogDir)
	}
	logging.SetMirrorStdout(cfg.LogStdout || !cfg.IsProduction())
	level := logging.ParseLevel(cfg.LogLevel)
	for _, category := range []logging.Category{logging.CategoryService, logging.CategoryScheduler, logging.CategoryHTTP} {
		logging.SetCategoryLevel(category, level)
	}
}

// watchConfigFile hot-reloads the config file. Most settings need a restart;
// reloads are surfaced in the log so operators see stale processes.
func watchConfigFile(ctx context.Context, path string, logger logging.Logger) {
	if path == "" {
		return
	}
	cache, err := config.NewCache(func(context.Context) (config.ServerConfig, config.Metadata, error) {
		return config.Load(config.WithConfigPath(path))
	})
	if err != nil {
		logger.Warn("[Bootstrap] Config watch disabled: %v", err)
		return
	}
	watcher, err := config.NewWatcher(path, cache, config.WithWatchLogger(logger))
	if err != nil {
		logger.Warn("[Bootstrap] Config watch disabled: %v", err)
		return
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("[Bootstrap] Config watch disabled: %v", err)
		return
	}
	async.Go(logger, "config.watch", func() {
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Updates():
				if !ok {
					return
				}
				logger.Info("[Bootstrap] Config file changed; timing and limit changes apply on restart")
			}
		}
	})
}

func serveUntilSignal(ctx context.Context, server *http.Server, grace time.Duration, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	if grace <= 0 {
		grace = config.DefaultShutdownGrace
	}

	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("Server listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		shutdownErr := server.Shutdown(shutdownCtx)

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}

		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}

		logger.Info("Server stopped")
		return nil
	}
}
