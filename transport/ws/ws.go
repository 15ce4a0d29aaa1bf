// Package ws streams entity changes to websocket clients.
package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/synckit/codec"
	"github.com/c0deZ3R0/locsync/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4 * 1024
)

// Handler upgrades requests and forwards broker changes to the connection.
// A chi route parameter "id" or the query parameters "id" and "type" narrow
// the stream.
type Handler struct {
	broker   *synckit.Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// PingInterval must be shorter than the peer's read deadline.
	PingInterval time.Duration

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewHandler creates a websocket bridge over broker.
func NewHandler(broker *synckit.Broker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.WithComponent(logging.Component("ws")).Logger
	}
	return &Handler{
		broker: broker,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		PingInterval: 30 * time.Second,
		conns:        make(map[string]*websocket.Conn),
	}
}

// ConnectionCount returns the number of open connections.
func (h *Handler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func filterFor(r *http.Request) func(synckit.Change) bool {
	id := chi.URLParam(r, "id")
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	typ := synckit.EntityType(r.URL.Query().Get("type"))
	if id == "" && typ == "" {
		return nil
	}
	return func(c synckit.Change) bool {
		return (id == "" || c.Ref.ID == id) && (typ == "" || c.Ref.Type == typ)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := filterFor(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sub := h.broker.Subscribe(filter)
	id := uuid.NewString()
	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()
	h.logger.Debug("WebSocket client connected", "client", id)

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, sub, done)

	sub.Close()
	conn.Close()
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
	h.logger.Debug("WebSocket client disconnected", "client", id)
}

// readPump discards client messages and closes done when the peer goes away.
func (h *Handler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, sub *synckit.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case c, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			b, err := codec.Marshal(transport.NewFrame(c))
			if err != nil {
				h.logger.Error("Failed to encode change", "entity", c.Ref.String(), "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
