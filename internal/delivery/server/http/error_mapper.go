package http

import (
	"errors"
	"net/http"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
)

// writeMappedError translates a domain/service error into the uniform JSON
// error envelope. Sentinel errors from the shared taxonomy map to their HTTP
// status; typed errors contribute extra fields (capacity carries current and
// limit, output gates carry a hint). Anything unrecognized becomes a 500
// with a generic message so internals do not leak.
func writeMappedError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	if capErr, ok := sharederrors.AsCapacity(err); ok {
		current, limit := capErr.Current, capErr.Limit
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:   capErr.Error(),
			Current: &current,
			Limit:   &limit,
		})
		return
	}
	if gateErr, ok := sharederrors.AsGate(err); ok {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: gateErr.Error(),
			Hint:  gateErr.Hint,
		})
		return
	}

	switch {
	case errors.Is(err, account.ErrDevicePending):
		writeJSONError(w, http.StatusPreconditionRequired, err.Error())
	case errors.Is(err, sharederrors.ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, sharederrors.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, sharederrors.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sharederrors.ErrConflict):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sharederrors.ErrInvalid):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sharederrors.ErrAborted):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
