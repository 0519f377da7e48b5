package http

import (
	"net/http"

	"github.com/buildd-ai/buildd-sub004/internal/app/artifacts"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// ShareHandler serves public artifact reads by share token. Unknown or
// revoked tokens are indistinguishable from absent artifacts.
type ShareHandler struct {
	artifacts *artifacts.Service
	logger    logging.Logger
}

// NewShareHandler creates the share handler.
func NewShareHandler(svc *artifacts.Service, logger logging.Logger) *ShareHandler {
	return &ShareHandler{
		artifacts: svc,
		logger:    logging.OrNop(logger),
	}
}

// HandleSharedArtifact reads the shared projection of an artifact.
func (h *ShareHandler) HandleSharedArtifact(w http.ResponseWriter, r *http.Request) {
	view, err := h.artifacts.SharedRead(r.Context(), r.PathValue("token"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
