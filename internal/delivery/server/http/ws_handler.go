package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buildd-ai/buildd-sub004/internal/bus"
	"github.com/buildd-ai/buildd-sub004/internal/observability"
	"github.com/buildd-ai/buildd-sub004/internal/shared/async"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSHandler is the runner realtime gateway. Runners hold one socket and
// steer their subscription with frames:
//
//	{"action": "subscribe", "channels": ["workspace-...", "worker-..."]}
//	{"action": "unsubscribe", "channels": [...]}
//
// Bus events arrive as the standard event envelope.
type WSHandler struct {
	broadcaster *bus.Broadcaster
	metrics     *observability.MetricsCollector
	logger      logging.Logger
	upgrader    websocket.Upgrader
}

// NewWSHandler creates the WebSocket handler.
func NewWSHandler(broadcaster *bus.Broadcaster, metrics *observability.MetricsCollector, logger logging.Logger) *WSHandler {
	return &WSHandler{
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin policy is enforced by the CORS middleware and
			// bearer auth, not the socket handshake.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type wsClientFrame struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// HandleSocket upgrades the connection and relays bus events for the
// channels the client subscribes to. Initial channels may come from the
// channels query parameter.
func (h *WSHandler) HandleSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed: %v", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	if h.metrics != nil {
		h.metrics.IncrementWSConnections(r.Context())
		defer h.metrics.DecrementWSConnections(r.Context())
	}

	channels := make(map[string]struct{})
	for _, ch := range queryList(r.URL.Query().Get("channels")) {
		channels[ch] = struct{}{}
	}

	var (
		sub     *bus.Subscription
		forward chan struct{}
	)
	resubscribe := func() {
		if sub != nil {
			sub.Close()
			<-forward
		}
		if len(channels) == 0 {
			sub, forward = nil, nil
			return
		}
		list := make([]string, 0, len(channels))
		for ch := range channels {
			list = append(list, ch)
		}
		sub = h.broadcaster.Subscribe(list...)
		done := make(chan struct{})
		forward = done
		events := sub.Events()
		async.Go(h.logger, "ws.forward", func() {
			defer close(done)
			for evt := range events {
				if err := conn.writeJSON(evt); err != nil {
					return
				}
			}
		})
	}
	resubscribe()
	defer func() {
		if sub != nil {
			sub.Close()
			<-forward
		}
	}()

	stopPing := make(chan struct{})
	defer close(stopPing)
	async.Go(h.logger, "ws.ping", func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	})

	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsPingInterval + wsWriteTimeout))
		return nil
	})
	raw.SetReadDeadline(time.Now().Add(wsPingInterval + wsWriteTimeout))

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws: read: %v", err)
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsPingInterval + wsWriteTimeout))

		var frame wsClientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			conn.writeJSON(map[string]any{"error": "invalid frame"})
			continue
		}
		switch frame.Action {
		case "subscribe":
			for _, ch := range frame.Channels {
				if ch != "" {
					channels[ch] = struct{}{}
				}
			}
			resubscribe()
			conn.writeJSON(wsAck("subscribed", channels))
		case "unsubscribe":
			for _, ch := range frame.Channels {
				delete(channels, ch)
			}
			resubscribe()
			conn.writeJSON(wsAck("unsubscribed", channels))
		case "ping":
			conn.writeJSON(map[string]any{"event": "pong"})
		default:
			conn.writeJSON(map[string]any{"error": "unknown action"})
		}
	}
}

func wsAck(event string, channels map[string]struct{}) map[string]any {
	list := make([]string, 0, len(channels))
	for ch := range channels {
		list = append(list, ch)
	}
	return map[string]any{"event": event, "channels": list}
}
