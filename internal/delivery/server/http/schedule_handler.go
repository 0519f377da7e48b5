package http

import (
	"net/http"
	"strings"

	"github.com/buildd-ai/buildd-sub004/internal/app/auth"
	"github.com/buildd-ai/buildd-sub004/internal/app/scheduler"
	"github.com/buildd-ai/buildd-sub004/internal/domain/schedule"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// ScheduleHandler serves the workspace schedule CRUD. All mutating routes
// are admin surfaces: platform admins or the workspace owner only.
type ScheduleHandler struct {
	schedules *scheduler.Service
	auth      *auth.Service
	logger    logging.Logger
}

// NewScheduleHandler creates the schedule handler.
func NewScheduleHandler(schedules *scheduler.Service, authSvc *auth.Service, logger logging.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		schedules: schedules,
		auth:      authSvc,
		logger:    logging.OrNop(logger),
	}
}

func (h *ScheduleHandler) authorizeAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return "", false
	}
	workspaceID := r.PathValue("workspace_id")
	if err := h.auth.AuthorizeWorkspaceAdmin(r.Context(), acct, workspaceID); err != nil {
		writeMappedError(w, err)
		return "", false
	}
	return workspaceID, true
}

// HandleList lists the workspace's schedules.
func (h *ScheduleHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.authorizeAdmin(w, r)
	if !ok {
		return
	}
	list, err := h.schedules.List(r.Context(), workspaceID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

// HandleCreate creates a schedule, validating its cron expression.
func (h *ScheduleHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.authorizeAdmin(w, r)
	if !ok {
		return
	}
	var params scheduler.CreateParams
	if err := decodeJSON(r, &params); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sch, err := h.schedules.Create(r.Context(), workspaceID, params)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

// HandleGet reads one schedule.
func (h *ScheduleHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.authorizeAdmin(w, r)
	if !ok {
		return
	}
	sch, err := h.schedules.Get(r.Context(), workspaceID, r.PathValue("schedule_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// HandleUpdate patches a schedule. Cron or timezone edits recompute the
// next fire; re-enabling clears the failure streak.
func (h *ScheduleHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.authorizeAdmin(w, r)
	if !ok {
		return
	}
	var patch schedule.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sch, err := h.schedules.Update(r.Context(), workspaceID, r.PathValue("schedule_id"), patch)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// HandleDelete removes a schedule. Tasks it already instantiated are left
// alone.
func (h *ScheduleHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.authorizeAdmin(w, r)
	if !ok {
		return
	}
	if err := h.schedules.Delete(r.Context(), workspaceID, r.PathValue("schedule_id")); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// HandleValidate previews a cron expression: validity, description, and the
// next few fire times. Open to any authenticated caller.
func (h *ScheduleHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	expr := strings.TrimSpace(r.URL.Query().Get("cron"))
	if expr == "" {
		writeJSONError(w, http.StatusBadRequest, "cron query parameter required")
		return
	}
	timezone := strings.TrimSpace(r.URL.Query().Get("timezone"))
	writeJSON(w, http.StatusOK, h.schedules.ValidateCron(expr, timezone))
}
