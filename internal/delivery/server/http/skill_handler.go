package http

import (
	"net/http"

	"github.com/buildd-ai/buildd-sub004/internal/app/skills"
	"github.com/buildd-ai/buildd-sub004/internal/domain/skill"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// SkillHandler serves the workspace skill library and install push.
type SkillHandler struct {
	skills *skills.Service
	logger logging.Logger
}

// NewSkillHandler creates the skill handler.
func NewSkillHandler(svc *skills.Service, logger logging.Logger) *SkillHandler {
	return &SkillHandler{
		skills: svc,
		logger: logging.OrNop(logger),
	}
}

// HandleList lists the workspace's skills.
func (h *SkillHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	list, err := h.skills.List(r.Context(), r.PathValue("workspace_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": list})
}

// HandleUpsert inserts or replaces the skill at (workspace, slug). A fresh
// insert answers 201, a replacement 200.
func (h *SkillHandler) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	var params skills.UpsertParams
	if err := decodeJSON(r, &params); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sk, err := h.skills.Upsert(r.Context(), r.PathValue("workspace_id"), params)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	status := http.StatusOK
	if sk.CreatedAt.Equal(sk.UpdatedAt) {
		status = http.StatusCreated
	}
	writeJSON(w, status, sk)
}

// HandleGet reads one skill.
func (h *SkillHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	sk, err := h.skills.Get(r.Context(), r.PathValue("workspace_id"), r.PathValue("skill_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

// HandleUpdate patches skill fields. Content edits bump the content hash.
func (h *SkillHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	var patch skill.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sk, err := h.skills.Update(r.Context(), r.PathValue("workspace_id"), r.PathValue("skill_id"), patch)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

// HandleDelete removes a skill.
func (h *SkillHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	if err := h.skills.Delete(r.Context(), r.PathValue("workspace_id"), r.PathValue("skill_id")); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// HandleInstall vets the installer command against the allowlist and pushes
// the install bundle to the workspace's runners. A failed vet answers 403.
func (h *SkillHandler) HandleInstall(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustAccount(w, r); !ok {
		return
	}
	var req skills.InstallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.skills.Install(r.Context(), r.PathValue("workspace_id"), req); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatched": true})
}
