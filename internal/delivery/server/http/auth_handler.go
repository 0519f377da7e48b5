package http

import (
	"net/http"

	"github.com/buildd-ai/buildd-sub004/internal/app/auth"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// AuthHandler serves the device-authorization pairing flow. Start and poll
// are unauthenticated (the new runner has no key yet); approve requires the
// approver's bearer key, which is the credential handed to the runner.
type AuthHandler struct {
	auth   *auth.Service
	logger logging.Logger
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(svc *auth.Service, logger logging.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   svc,
		logger: logging.OrNop(logger),
	}
}

// HandleDeviceStart issues a fresh device/user code pair.
func (h *AuthHandler) HandleDeviceStart(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.auth.StartPairing(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

type devicePollRequest struct {
	DeviceCode string `json:"deviceCode"`
}

// HandleDevicePoll redeems a device code. Unapproved codes answer 428 so
// the runner keeps polling; a successful poll consumes the code.
func (h *AuthHandler) HandleDevicePoll(w http.ResponseWriter, r *http.Request) {
	var req devicePollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key, err := h.auth.PollPairing(r.Context(), req.DeviceCode)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apiKey": key})
}

type deviceApproveRequest struct {
	UserCode string `json:"userCode"`
}

// HandleDeviceApprove binds the pairing to the caller's account. The
// caller's own bearer key is what the polling runner will receive.
func (h *AuthHandler) HandleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	acct, ok := mustAccount(w, r)
	if !ok {
		return
	}
	var req deviceApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.auth.ApprovePairing(r.Context(), acct, currentBearerKey(r.Context()), req.UserCode); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approved": true})
}
