package http

import (
	"net/http"

	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// NewRouter creates the HTTP router with all endpoints. Routes use Go 1.22+
// method-specific patterns ("METHOD /path/{param}"). Device pairing start
// and poll, shared artifact reads, health, and metrics are public; every
// other route runs behind bearer auth.
func NewRouter(deps RouterDeps, cfg RouterConfig) http.Handler {
	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewHTTPLogger("Router")
	}

	workerHandler := NewWorkerHandler(deps.Claims, deps.Workers, deps.Registry, deps.Artifacts, logger)
	taskHandler := NewTaskHandler(deps.Tasks, deps.Reassign, logger)
	scheduleHandler := NewScheduleHandler(deps.Schedules, deps.Auth, logger)
	observationHandler := NewObservationHandler(deps.Observations, logger)
	skillHandler := NewSkillHandler(deps.Skills, logger)
	authHandler := NewAuthHandler(deps.Auth, logger)
	runnerHandler := NewRunnerHandler(deps.Registry, logger)
	maintenanceHandler := NewMaintenanceHandler(deps.Sweeper, logger)
	shareHandler := NewShareHandler(deps.Artifacts, logger)
	healthHandler := NewHealthHandler(deps.Pinger)
	sseHandler := NewSSEHandler(deps.Broadcaster, deps.Metrics, logger)
	wsHandler := NewWSHandler(deps.Broadcaster, deps.Metrics, logger)

	// wrap applies bearer auth to a single route.
	authed := AuthMiddleware(deps.Auth)
	wrap := func(handler http.HandlerFunc) http.Handler {
		return authed(handler)
	}

	mux := http.NewServeMux()

	// ── Claim and worker lifecycle ──

	mux.Handle("POST /api/workers/claim", routeHandler("/api/workers/claim", wrap(workerHandler.HandleClaim)))
	mux.Handle("GET /api/workers/mine", routeHandler("/api/workers/mine", wrap(workerHandler.HandleListMine)))
	mux.Handle("GET /api/workers/active", routeHandler("/api/workers/active", wrap(workerHandler.HandleActive)))
	mux.Handle("GET /api/workers/{worker_id}", routeHandler("/api/workers/:worker_id", wrap(workerHandler.HandleGet)))
	mux.Handle("PATCH /api/workers/{worker_id}", routeHandler("/api/workers/:worker_id", wrap(workerHandler.HandleUpdate)))
	mux.Handle("POST /api/workers/{worker_id}/artifacts", routeHandler("/api/workers/:worker_id/artifacts", wrap(workerHandler.HandleCreateArtifact)))
	mux.Handle("GET /api/workers/{worker_id}/artifacts", routeHandler("/api/workers/:worker_id/artifacts", wrap(workerHandler.HandleListArtifacts)))

	// ── Tasks ──

	mux.Handle("POST /api/tasks", routeHandler("/api/tasks", wrap(taskHandler.HandleCreate)))
	mux.Handle("GET /api/tasks", routeHandler("/api/tasks", wrap(taskHandler.HandleList)))
	mux.Handle("GET /api/tasks/{task_id}", routeHandler("/api/tasks/:task_id", wrap(taskHandler.HandleGet)))
	mux.Handle("PATCH /api/tasks/{task_id}", routeHandler("/api/tasks/:task_id", wrap(taskHandler.HandleUpdate)))
	mux.Handle("DELETE /api/tasks/{task_id}", routeHandler("/api/tasks/:task_id", wrap(taskHandler.HandleDelete)))
	mux.Handle("POST /api/tasks/{task_id}/start", routeHandler("/api/tasks/:task_id/start", wrap(taskHandler.HandleStart)))
	mux.Handle("POST /api/tasks/{task_id}/reassign", routeHandler("/api/tasks/:task_id/reassign", wrap(taskHandler.HandleReassign)))

	// ── Schedules ──

	mux.Handle("GET /api/workspaces/{workspace_id}/schedules", routeHandler("/api/workspaces/:workspace_id/schedules", wrap(scheduleHandler.HandleList)))
	mux.Handle("POST /api/workspaces/{workspace_id}/schedules", routeHandler("/api/workspaces/:workspace_id/schedules", wrap(scheduleHandler.HandleCreate)))
	mux.Handle("GET /api/workspaces/{workspace_id}/schedules/validate", routeHandler("/api/workspaces/:workspace_id/schedules/validate", wrap(scheduleHandler.HandleValidate)))
	mux.Handle("GET /api/workspaces/{workspace_id}/schedules/{schedule_id}", routeHandler("/api/workspaces/:workspace_id/schedules/:schedule_id", wrap(scheduleHandler.HandleGet)))
	mux.Handle("PATCH /api/workspaces/{workspace_id}/schedules/{schedule_id}", routeHandler("/api/workspaces/:workspace_id/schedules/:schedule_id", wrap(scheduleHandler.HandleUpdate)))
	mux.Handle("DELETE /api/workspaces/{workspace_id}/schedules/{schedule_id}", routeHandler("/api/workspaces/:workspace_id/schedules/:schedule_id", wrap(scheduleHandler.HandleDelete)))

	// ── Observations ──

	mux.Handle("GET /api/workspaces/{workspace_id}/observations", routeHandler("/api/workspaces/:workspace_id/observations", wrap(observationHandler.HandleList)))
	mux.Handle("POST /api/workspaces/{workspace_id}/observations", routeHandler("/api/workspaces/:workspace_id/observations", wrap(observationHandler.HandleCreate)))
	mux.Handle("GET /api/workspaces/{workspace_id}/observations/search", routeHandler("/api/workspaces/:workspace_id/observations/search", wrap(observationHandler.HandleSearch)))
	mux.Handle("GET /api/workspaces/{workspace_id}/observations/compact", routeHandler("/api/workspaces/:workspace_id/observations/compact", wrap(observationHandler.HandleCompact)))
	mux.Handle("POST /api/workspaces/{workspace_id}/observations/batch", routeHandler("/api/workspaces/:workspace_id/observations/batch", wrap(observationHandler.HandleBatch)))
	mux.Handle("GET /api/workspaces/{workspace_id}/observations/{observation_id}", routeHandler("/api/workspaces/:workspace_id/observations/:observation_id", wrap(observationHandler.HandleGet)))
	mux.Handle("PATCH /api/workspaces/{workspace_id}/observations/{observation_id}", routeHandler("/api/workspaces/:workspace_id/observations/:observation_id", wrap(observationHandler.HandleUpdate)))
	mux.Handle("DELETE /api/workspaces/{workspace_id}/observations/{observation_id}", routeHandler("/api/workspaces/:workspace_id/observations/:observation_id", wrap(observationHandler.HandleDelete)))

	// ── Skills ──

	mux.Handle("GET /api/workspaces/{workspace_id}/skills", routeHandler("/api/workspaces/:workspace_id/skills", wrap(skillHandler.HandleList)))
	mux.Handle("POST /api/workspaces/{workspace_id}/skills", routeHandler("/api/workspaces/:workspace_id/skills", wrap(skillHandler.HandleUpsert)))
	mux.Handle("POST /api/workspaces/{workspace_id}/skills/install", routeHandler("/api/workspaces/:workspace_id/skills/install", wrap(skillHandler.HandleInstall)))
	mux.Handle("GET /api/workspaces/{workspace_id}/skills/{skill_id}", routeHandler("/api/workspaces/:workspace_id/skills/:skill_id", wrap(skillHandler.HandleGet)))
	mux.Handle("PATCH /api/workspaces/{workspace_id}/skills/{skill_id}", routeHandler("/api/workspaces/:workspace_id/skills/:skill_id", wrap(skillHandler.HandleUpdate)))
	mux.Handle("DELETE /api/workspaces/{workspace_id}/skills/{skill_id}", routeHandler("/api/workspaces/:workspace_id/skills/:skill_id", wrap(skillHandler.HandleDelete)))

	// ── Runner fleet ──

	mux.Handle("POST /api/runners/heartbeat", routeHandler("/api/runners/heartbeat", wrap(runnerHandler.HandleHeartbeat)))
	mux.Handle("DELETE /api/runners/{runner_id}", routeHandler("/api/runners/:runner_id", wrap(runnerHandler.HandleDeregister)))

	// ── Maintenance ──

	mux.Handle("POST /api/maintenance/stale-check", routeHandler("/api/maintenance/stale-check", wrap(maintenanceHandler.HandleStaleCheck)))

	// ── Device pairing ──

	mux.Handle("POST /api/auth/device/start", routeHandler("/api/auth/device/start", http.HandlerFunc(authHandler.HandleDeviceStart)))
	mux.Handle("POST /api/auth/device/poll", routeHandler("/api/auth/device/poll", http.HandlerFunc(authHandler.HandleDevicePoll)))
	mux.Handle("POST /api/auth/device/approve", routeHandler("/api/auth/device/approve", wrap(authHandler.HandleDeviceApprove)))

	// ── Public artifact shares ──

	mux.Handle("GET /api/artifacts/shared/{token}", routeHandler("/api/artifacts/shared/:token", http.HandlerFunc(shareHandler.HandleSharedArtifact)))

	// ── Realtime ──

	mux.Handle("GET /api/events", routeHandler("/api/events", wrap(sseHandler.HandleStream)))
	mux.Handle("GET /api/ws", routeHandler("/api/ws", wrap(wsHandler.HandleSocket)))

	// ── Health and metrics ──

	mux.Handle("GET /healthz", routeHandler("/healthz", http.HandlerFunc(healthHandler.HandleHealthz)))
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", routeHandler("/metrics", deps.Metrics.Handler()))
	}

	// ── Middleware stack ──

	var handler http.Handler = mux
	handler = ObservabilityMiddleware(deps.Metrics)(handler)
	handler = LoggingMiddleware(logger)(handler)
	handler = RateLimitMiddleware(RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})(handler)
	handler = CORSMiddleware(cfg.Environment, cfg.AllowedOrigins)(handler)

	return handler
}
