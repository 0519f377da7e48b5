package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/buildd-ai/buildd-sub004/internal/app/reassign"
	"github.com/buildd-ai/buildd-sub004/internal/app/tasks"
	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// TaskHandler serves task CRUD, dispatch, and reassignment.
type TaskHandler struct {
	tasks    *tasks.Service
	reassign *reassign.Service
	logger   logging.Logger
}

// NewTaskHandler creates the task handler.
func NewTaskHandler(svc *tasks.Service, re *reassign.Service, logger logging.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:    svc,
		reassign: re,
		logger:   logging.OrNop(logger),
	}
}

// HandleCreate creates a task. Tasks with unfinished blockers start blocked.
func (h *TaskHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	var params tasks.CreateParams
	if err := decodeJSON(r, &params); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tk, err := h.tasks.Create(r.Context(), params)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tk)
}

// HandleList lists workspace tasks filtered by status, project, and
// schedule.
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	q := r.URL.Query()
	filter := task.ListFilter{
		WorkspaceID: strings.TrimSpace(q.Get("workspaceId")),
		Project:     strings.TrimSpace(q.Get("project")),
		ScheduleID:  strings.TrimSpace(q.Get("scheduleId")),
	}
	for _, part := range strings.Split(q.Get("status"), ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			filter.Statuses = append(filter.Statuses, task.Status(part))
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	list, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

// HandleGet reads one task.
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	tk, err := h.tasks.Get(r.Context(), r.PathValue("task_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tk)
}

// HandleUpdate patches mutable task fields. Editing blockers may flip the
// task between blocked and pending.
func (h *TaskHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	var patch task.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tk, err := h.tasks.Update(r.Context(), r.PathValue("task_id"), patch)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tk)
}

// HandleDelete removes a task.
func (h *TaskHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	if err := h.tasks.Delete(r.Context(), r.PathValue("task_id")); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// HandleStart dispatches a pending task to the bus immediately, bypassing
// the scheduler.
func (h *TaskHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	result, err := h.tasks.Start(r.Context(), acct.ID, r.PathValue("task_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleReassign reclaims a stuck task. force=true requires workspace
// ownership or an expired claim lease.
func (h *TaskHandler) HandleReassign(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	force := false
	if raw := strings.TrimSpace(r.URL.Query().Get("force")); raw != "" {
		force, _ = strconv.ParseBool(raw)
	}
	outcome, err := h.reassign.ReassignTask(r.Context(), acct.ID, r.PathValue("task_id"), force)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
