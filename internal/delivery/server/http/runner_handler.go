package http

import (
	"net/http"

	"github.com/buildd-ai/buildd-sub004/internal/app/registry"
	"github.com/buildd-ai/buildd-sub004/internal/domain/runner"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// RunnerHandler serves the runner heartbeat and deregistration endpoints.
type RunnerHandler struct {
	registry *registry.Service
	logger   logging.Logger
}

// NewRunnerHandler creates the runner handler.
func NewRunnerHandler(svc *registry.Service, logger logging.Logger) *RunnerHandler {
	return &RunnerHandler{
		registry: svc,
		logger:   logging.OrNop(logger),
	}
}

// HandleHeartbeat upserts the runner row and tells the runner when to
// report next. The account id always comes from the authenticated caller,
// never the body.
func (h *RunnerHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	var hb runner.Heartbeat
	if err := decodeJSON(r, &hb); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	hb.AccountID = acct.ID

	ack, err := h.registry.Heartbeat(r.Context(), hb)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// HandleDeregister drops a runner immediately on clean shutdown.
func (h *RunnerHandler) HandleDeregister(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	if err := h.registry.Deregister(r.Context(), r.PathValue("runner_id")); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deregistered": true})
}
