package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/buildd-ai/buildd-sub004/internal/app/observe"
	"github.com/buildd-ai/buildd-sub004/internal/domain/observation"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// ObservationHandler serves the workspace memory endpoints.
type ObservationHandler struct {
	observations *observe.Service
	logger       logging.Logger
}

// NewObservationHandler creates the observation handler.
func NewObservationHandler(svc *observe.Service, logger logging.Logger) *ObservationHandler {
	return &ObservationHandler{
		observations: svc,
		logger:       logging.OrNop(logger),
	}
}

// HandleList lists the workspace's observations, newest first.
func (h *ObservationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	limit := queryInt(r, "limit")
	list, err := h.observations.List(r.Context(), r.PathValue("workspace_id"), limit)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": list})
}

// HandleSearch runs a lexical search over titles, content, files, and
// concepts.
func (h *ObservationHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	q := r.URL.Query()
	list, err := h.observations.Search(
		r.Context(),
		r.PathValue("workspace_id"),
		strings.TrimSpace(q.Get("q")),
		queryList(q.Get("files")),
		queryList(q.Get("concepts")),
		queryInt(r, "limit"),
	)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": list})
}

// HandleCompact returns the workspace digest: counts by type, recent
// entries, and the concept vocabulary.
func (h *ObservationHandler) HandleCompact(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	digest, err := h.observations.Compact(r.Context(), r.PathValue("workspace_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, digest)
}

// HandleCreate persists one observation.
func (h *ObservationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	var params observe.CreateParams
	if err := decodeJSON(r, &params); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	obs, err := h.observations.Create(r.Context(), r.PathValue("workspace_id"), params)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

type observationBatchRequest struct {
	Observations []observe.CreateParams `json:"observations,omitempty"`
	IDs          []string               `json:"ids,omitempty"`
}

// HandleBatch creates a batch of observations or fetches a batch by id,
// depending on which field the body carries.
func (h *ObservationHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	var req observationBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	workspaceID := r.PathValue("workspace_id")

	if len(req.IDs) > 0 {
		list, err := h.observations.GetBatch(r.Context(), workspaceID, req.IDs)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"observations": list})
		return
	}

	list, err := h.observations.CreateBatch(r.Context(), workspaceID, req.Observations)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": list})
}

// HandleGet reads one observation.
func (h *ObservationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	obs, err := h.observations.Get(r.Context(), r.PathValue("workspace_id"), r.PathValue("observation_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

// HandleUpdate patches an observation.
func (h *ObservationHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	var patch observation.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	obs, err := h.observations.Update(r.Context(), r.PathValue("workspace_id"), r.PathValue("observation_id"), patch)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

// HandleDelete removes an observation.
func (h *ObservationHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	if err := h.observations.Delete(r.Context(), r.PathValue("workspace_id"), r.PathValue("observation_id")); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func queryInt(r *http.Request, name string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func queryList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
