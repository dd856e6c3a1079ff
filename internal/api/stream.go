package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const streamWriteTimeout = 10 * time.Second

// Hub fans session update signals out to every connected watcher.
type Hub struct {
	mu       sync.Mutex
	next     uint64
	watchers map[uint64]chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[uint64]chan struct{})}
}

// Run forwards signals from updates until ctx is done.
func (h *Hub) Run(ctx context.Context, updates <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			h.broadcast()
		}
	}
}

// Watchers returns the number of connected watchers.
func (h *Hub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

func (h *Hub) subscribe() (uint64, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	ch := make(chan struct{}, 1)
	h.watchers[h.next] = ch
	return h.next, ch
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers, id)
}

func (h *Hub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// StreamHandler pushes a fresh snapshot to a websocket after every change.
type StreamHandler struct {
	sess    Session
	hub     *Hub
	origins []string
}

// NewStreamHandler creates a stream handler. origins are host patterns
// accepted in addition to same-origin requests.
func NewStreamHandler(sess Session, hub *Hub, origins []string) *StreamHandler {
	return &StreamHandler{sess: sess, hub: hub, origins: origins}
}

// RegisterRoutes registers the stream route.
func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/events", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	id, signals := h.hub.subscribe()
	defer h.hub.unsubscribe(id)
	slog.Debug("Watcher connected", "watcher", id)

	// Watchers never send; CloseRead cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	for {
		if err := h.push(ctx, ws); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Warn("Failed to push snapshot", "watcher", id, "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			slog.Debug("Watcher disconnected", "watcher", id)
			return
		case <-signals:
		}
	}
}

func (h *StreamHandler) push(ctx context.Context, ws *websocket.Conn) error {
	snap, err := h.sess.Snapshot(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
