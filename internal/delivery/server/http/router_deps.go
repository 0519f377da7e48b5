package http

import (
	"context"
	"net/http"

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
	"github.com/buildd-ai/buildd-sub004/internal/observability"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// Pinger reports backend liveness for the health endpoint. Satisfied by
// pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sweeper runs the stale sweep on demand for the maintenance endpoint.
type Sweeper interface {
	SweepStale(ctx context.Context) (reassign.SweepResult, error)
}

// RouterDeps carries the services the router exposes.
type RouterDeps struct {
	Auth         *auth.Service
	Claims       *claim.Service
	Workers      *lifecycle.Service
	Tasks        *tasks.Service
	Reassign     *reassign.Service
	Registry     *registry.Service
	Schedules    *scheduler.Service
	Observations *observe.Service
	Skills       *skills.Service
	Artifacts    *artifacts.Service

	Broadcaster *bus.Broadcaster
	Sweeper     Sweeper
	Pinger      Pinger
	Metrics     *observability.MetricsCollector
	Logger      logging.Logger
}

// RouterConfig carries the HTTP-layer tunables.
type RouterConfig struct {
	Environment    string
	AllowedOrigins []string

	// RateLimitRPS/Burst gate per-key request admission; zero disables the
	// limiter.
	RateLimitRPS   float64
	RateLimitBurst int
}

type contextKey string

const (
	accountContextKey        contextKey = "account"
	bearerKeyContextKey      contextKey = "bearerKey"
	canonicalRouteContextKey contextKey = "canonicalRoute"
)

func annotateRequestRoute(r *http.Request, route string) {
	if r == nil || route == "" {
		return
	}
	ctx := context.WithValue(r.Context(), canonicalRouteContextKey, route)
	*r = *r.WithContext(ctx)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if route, ok := ctx.Value(canonicalRouteContextKey).(string); ok {
		return route
	}
	return ""
}

// routeHandler tags the request with its canonical route so middleware can
// label metrics and logs without the raw (id-bearing) path.
func routeHandler(route string, handler http.Handler) http.Handler {
	if route == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		annotateRequestRoute(r, route)
		handler.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status and size for logging and
// metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(p)
	s.bytes += int64(n)
	return n, err
}

// Flush keeps streaming handlers working behind the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
