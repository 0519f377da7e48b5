package http

import (
	"net/http"
	"strings"

	"github.com/buildd-ai/buildd-sub004/internal/app/artifacts"
	"github.com/buildd-ai/buildd-sub004/internal/app/claim"
	"github.com/buildd-ai/buildd-sub004/internal/app/lifecycle"
	"github.com/buildd-ai/buildd-sub004/internal/app/registry"
	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	"github.com/buildd-ai/buildd-sub004/internal/domain/worker"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// WorkerHandler serves the claim and worker lifecycle endpoints.
type WorkerHandler struct {
	claims    *claim.Service
	lifecycle *lifecycle.Service
	registry  *registry.Service
	artifacts *artifacts.Service
	logger    logging.Logger
}

// NewWorkerHandler creates the worker handler.
func NewWorkerHandler(claims *claim.Service, lc *lifecycle.Service, reg *registry.Service, arts *artifacts.Service, logger logging.Logger) *WorkerHandler {
	return &WorkerHandler{
		claims:    claims,
		lifecycle: lc,
		registry:  reg,
		artifacts: arts,
		logger:    logging.OrNop(logger),
	}
}

type claimRequest struct {
	WorkspaceID string `json:"workspaceId"`
	TaskID      string `json:"taskId,omitempty"`
	Branch      string `json:"branch,omitempty"`
}

// claimedWorker is a worker with its claimed task attached.
type claimedWorker struct {
	*worker.Worker
	Task *task.Task `json:"task,omitempty"`
}

// HandleClaim runs the atomic claim. The response keeps the workers array
// shape even though at most one claim succeeds per call.
func (h *WorkerHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	wk, tk, err := h.claims.Claim(r.Context(), claim.Request{
		Account:     acct,
		WorkspaceID: req.WorkspaceID,
		TaskID:      req.TaskID,
		Branch:      req.Branch,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": []claimedWorker{{Worker: wk, Task: tk}},
	})
}

// HandleListMine returns the caller's workers, optionally filtered by
// status (comma-separated).
func (h *WorkerHandler) HandleListMine(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	statuses := parseWorkerStatuses(r.URL.Query().Get("status"))
	workers, err := h.lifecycle.ListByAccount(r.Context(), acct.ID, statuses)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

// HandleActive returns the local UI urls of the account's live runners.
func (h *WorkerHandler) HandleActive(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	runners, err := h.registry.Active(r.Context(), acct.ID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	urls := make([]string, 0, len(runners))
	for _, rn := range runners {
		if rn.URL != "" {
			urls = append(urls, rn.URL)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activeLocalUis": urls})
}

// HandleGet reads one worker, enforcing account ownership.
func (h *WorkerHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	wk, err := h.lifecycle.GetOwned(r.Context(), acct.ID, r.PathValue("worker_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

// workerUpdateResponse flattens the worker and carries the one-shot
// instructions payload when present.
type workerUpdateResponse struct {
	*worker.Worker
	Instructions string `json:"instructions,omitempty"`
}

// HandleUpdate applies a worker PATCH: status transitions, progress,
// milestones, plan messages, and answers. Gate failures come back as 400
// with a hint; updates against terminated workers that are not reactivations
// come back as 409.
func (h *WorkerHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	var patch worker.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := h.lifecycle.UpdateWorker(r.Context(), acct.ID, r.PathValue("worker_id"), patch)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workerUpdateResponse{
		Worker:       result.Worker,
		Instructions: result.Instructions,
	})
}

// HandleCreateArtifact upserts a deliverable against the worker.
func (h *WorkerHandler) HandleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	var params artifacts.CreateParams
	if err := decodeJSON(r, &params); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	art, err := h.artifacts.Create(r.Context(), acct.ID, r.PathValue("worker_id"), params)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

// HandleListArtifacts lists the worker's deliverables.
func (h *WorkerHandler) HandleListArtifacts(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	arts, err := h.artifacts.List(r.Context(), acct.ID, r.PathValue("worker_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

func parseWorkerStatuses(raw string) []worker.Status {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var statuses []worker.Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		statuses = append(statuses, worker.Status(part))
	}
	return statuses
}
