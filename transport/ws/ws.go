// Package ws exposes the Event Bus (C11) as a duplex channel over
// gorilla/websocket: a client holding a lifecycle token subscribes and
// receives the buffered-then-live stream of typed events (§4.7, §6
// AllocateAsync "a duplex channel on the Event Bus, keyed by the token").
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/runnerforge/engine/eventbus"
	"github.com/runnerforge/engine/internal/engineerr"
	"github.com/runnerforge/engine/internal/logging"
	"github.com/runnerforge/engine/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Runner status subscriptions are read-only and scoped by an
	// unguessable lifecycle token; cross-origin access is acceptable.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades a request to a websocket and streams Event Bus events for
// the lifecycle token named in the route.
type Handler struct {
	bus    *eventbus.Bus
	store  storage.Store
	logger *logging.Logger
}

// New constructs a Handler over the shared Event Bus.
func New(bus *eventbus.Bus, store storage.Store, logger *logging.Logger) *Handler {
	return &Handler{bus: bus, store: store, logger: logger}
}

// wireEvent is the JSON shape sent to subscribers (§6 "Payload: {type,
// message, timestamp (ISO-8601 UTC), ...data}").
type wireEvent struct {
	Type      eventbus.Type          `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// MarshalJSON spreads Data's keys into the top-level object beside type,
// message and timestamp; those three win on a key collision.
func (e wireEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Data)+3)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = e.Type
	if e.Message != "" {
		out["message"] = e.Message
	}
	out["timestamp"] = e.Timestamp
	return json.Marshal(out)
}

// ServeHTTP validates the token is bound to a known runner, upgrades the
// connection, and relays events until the runner reaches a terminal state or
// the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		http.Error(w, "lifecycle token is required", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetRunnerByLifecycleToken(r.Context(), token); err != nil {
		if engineerr.Is(err, engineerr.ResourceNotFound) {
			http.Error(w, "unknown lifecycle token", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.WithError(err).Warn("ws: upgrade failed")
		}
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain (and discard) client frames purely to detect disconnects and
	// keep the read deadline honored; this channel is subscribe-only.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	events := make(chan eventbus.Event, 16)
	go func() {
		defer close(events)
		_ = h.bus.Subscribe(ctx, token, events)
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(wireEvent{
				Type:      evt.Type,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Data:      evt.Data,
			})
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			if evt.Type == eventbus.Error || evt.Type == eventbus.InstanceShuttingDown {
				return
			}
		}
	}
}
