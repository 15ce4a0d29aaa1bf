// Package sse streams entity changes to clients as server-sent events.
package sse

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/synckit/codec"
	"github.com/c0deZ3R0/locsync/transport"
)

// DefaultKeepAlive is the interval of comment frames on an idle stream.
const DefaultKeepAlive = 15 * time.Second

// Server serves a broker's changes as an event stream. The query parameters
// "id" and "type" narrow the stream to one entity id or entity type.
type Server struct {
	Broker    *synckit.Broker
	Logger    *slog.Logger
	KeepAlive time.Duration
}

// NewServer creates a new SSE server with default settings
func NewServer(broker *synckit.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent(logging.Component("sse")).Logger
	}
	return &Server{
		Broker:    broker,
		Logger:    logger,
		KeepAlive: DefaultKeepAlive,
	}
}

// Filter builds the subscription filter for a request.
func Filter(r *http.Request) func(synckit.Change) bool {
	id := r.URL.Query().Get("id")
	typ := synckit.EntityType(r.URL.Query().Get("type"))
	if id == "" && typ == "" {
		return nil
	}
	return func(c synckit.Change) bool {
		return (id == "" || c.Ref.ID == id) && (typ == "" || c.Ref.Type == typ)
	}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		sub := s.Broker.Subscribe(Filter(r))
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepAlive := s.KeepAlive
		if keepAlive <= 0 {
			keepAlive = DefaultKeepAlive
		}
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case c, ok := <-sub.C:
				if !ok {
					return
				}
				b, err := codec.Marshal(transport.NewFrame(c))
				if err != nil {
					s.Logger.Error("Failed to encode change", "entity", c.Ref.String(), "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Kind, b); err != nil {
					s.Logger.Debug("Stream closed by client", "error", err)
					return
				}
				flusher.Flush()
			}
		}
	})
}
