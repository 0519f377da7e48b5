package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// writeJSON serialises payload as JSON and writes it with the given status
// code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// errorBody is the uniform error envelope. Capacity failures carry current
// and limit, gate failures carry a hint.
type errorBody struct {
	Error   string `json:"error"`
	Hint    string `json:"hint,omitempty"`
	Current *int   `json:"current,omitempty"`
	Limit   *int   `json:"limit,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// decodeJSON reads the request body into dst, rejecting unknown garbage with
// a 400-compatible error.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

// clientIP extracts the client IP from common proxy headers or the remote
// address.
func clientIP(r *http.Request) string {
	if realIP := r.Header.Get("X-Forwarded-For"); realIP != "" {
		parts := strings.Split(realIP, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return strings.Trim(r.RemoteAddr, "[]")
}
