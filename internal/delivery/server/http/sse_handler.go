package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/bus"
	busdomain "github.com/buildd-ai/buildd-sub004/internal/domain/bus"
	"github.com/buildd-ai/buildd-sub004/internal/observability"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// sseHeartbeatInterval keeps idle SSE connections alive through proxies.
const sseHeartbeatInterval = 30 * time.Second

// SSEHandler streams bus events to web clients over Server-Sent Events.
type SSEHandler struct {
	broadcaster *bus.Broadcaster
	metrics     *observability.MetricsCollector
	logger      logging.Logger
}

// NewSSEHandler creates the SSE handler.
func NewSSEHandler(broadcaster *bus.Broadcaster, metrics *observability.MetricsCollector, logger logging.Logger) *SSEHandler {
	return &SSEHandler{
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logging.OrNop(logger),
	}
}

// HandleStream subscribes the client to the requested channels. A
// Last-Event-ID header (standard EventSource reconnect) replays history the
// client missed before switching to live delivery.
func (h *SSEHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	channels := queryList(r.URL.Query().Get("channels"))
	if len(channels) == 0 {
		writeJSONError(w, http.StatusBadRequest, "channels query parameter required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if h.metrics != nil {
		h.metrics.IncrementSSEConnections(r.Context())
		defer h.metrics.DecrementSSEConnections(r.Context())
	}

	sub := h.broadcaster.Subscribe(channels...)
	defer sub.Close()

	h.logger.Info("sse: client connected, channels=%s", strings.Join(channels, ","))

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"channels\":%s}\n\n", mustJSON(channels)); err != nil {
		return
	}
	flusher.Flush()

	// Replay after subscribing so no event falls between history and live.
	if lastID := strings.TrimSpace(r.Header.Get("Last-Event-ID")); lastID != "" {
		for _, channel := range channels {
			for _, evt := range h.broadcaster.HistorySince(channel, lastID) {
				if !h.writeEvent(w, evt) {
					return
				}
			}
		}
		flusher.Flush()
	}

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if !h.writeEvent(w, evt) {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			h.logger.Debug("sse: client disconnected, channels=%s", strings.Join(channels, ","))
			return
		}
	}
}

// writeEvent emits one SSE frame: id for reconnect cursors, event for
// dispatch, data for the envelope.
func (h *SSEHandler) writeEvent(w http.ResponseWriter, evt *busdomain.Event) bool {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("sse: serializing event %s: %v", evt.ID, err)
		return true
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Event, data)
	return err == nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}
