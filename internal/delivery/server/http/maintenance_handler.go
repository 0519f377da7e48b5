package http

import (
	"net/http"

	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// MaintenanceHandler serves operator endpoints. Admin accounts only.
type MaintenanceHandler struct {
	sweeper Sweeper
	logger  logging.Logger
}

// NewMaintenanceHandler creates the maintenance handler.
func NewMaintenanceHandler(sweeper Sweeper, logger logging.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		sweeper: sweeper,
		logger:  logging.OrNop(logger),
	}
}

// HandleStaleCheck forces one stale sweep pass instead of waiting for the
// background interval.
func (h *MaintenanceHandler) HandleStaleCheck(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	if !acct.Admin {
		writeJSONError(w, http.StatusForbidden, "admin account required")
		return
	}
	result, err := h.sweeper.SweepStale(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
