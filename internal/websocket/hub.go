// Package websocket streams engine events to the host's web UI.
//
// The Hub fans each published event out to every connected Client. Publish
// never blocks the caller: engine completions run on the dispatch queue and
// must not wait on a slow subscriber. Events that do not fit the hub's buffer
// are dropped and counted.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"licensekit/internal/infrastructure"
	api "licensekit/pkg/contracts/api/v1"
)

const broadcastBuffer = 128

// Stats is a snapshot of hub activity
type Stats struct {
	ActiveClients    int   `json:"active_clients"`
	TotalConnections int64 `json:"total_connections"`
	Published        int64 `json:"published"`
	Dropped          int64 `json:"dropped"`
}

// Hub maintains the set of active clients and broadcasts events to them
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	running bool
	quit    chan struct{}
	done    chan struct{}

	totalConnections atomic.Int64
	published        atomic.Int64
	dropped          atomic.Int64

	logger *slog.Logger
	now    func() time.Time
}

// NewHub creates a stopped hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
		now:        time.Now,
	}
}

// Start runs the hub loop in the background. Calling it twice is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.run()
}

// Stop ends the hub loop and disconnects every client
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Register adds a client and greets it with a connection event
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		close(c.send)
	}
}

// Unregister removes a client. Unknown clients are ignored.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Publish stamps the event and queues it for every client
func (h *Hub) Publish(ctx context.Context, event api.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now().UTC()
	}
	if event.TraceID == "" {
		event.TraceID = infrastructure.GetTraceID(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to marshal event",
			slog.String("type", event.Type),
			slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- data:
		h.published.Add(1)
	default:
		h.dropped.Add(1)
		h.logger.WarnContext(ctx, "event dropped, broadcast buffer full",
			slog.String("type", event.Type),
			slog.String("product_id", event.ProductID))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Running reports whether the hub loop is active
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Stats returns current hub counters
func (h *Hub) Stats() Stats {
	return Stats{
		ActiveClients:    h.ClientCount(),
		TotalConnections: h.totalConnections.Load(),
		Published:        h.published.Load(),
		Dropped:          h.dropped.Load(),
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.logger.Info("hub shutting down")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.totalConnections.Add(1)

			h.logger.InfoContext(c.context(), "client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr))

			h.greet(c)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			h.logger.InfoContext(c.context(), "client unregistered",
				slog.Int("total_clients", count),
				slog.String("client_id", c.id),
				slog.Duration("connected_for", time.Since(c.connectedAt)))

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) greet(c *Client) {
	data, err := json.Marshal(api.Event{
		Type:      api.EventConnection,
		Data:      map[string]string{"status": "connected", "client_id": c.id},
		Timestamp: h.now().UTC(),
		TraceID:   c.traceID,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// fanOut sends message to every client, disconnecting those whose buffer
// is full
func (h *Hub) fanOut(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	slow := 0
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			slow++
			close(c.send)
			delete(h.clients, c)
		}
	}
	if slow > 0 {
		h.logger.Warn("disconnected slow clients", slog.Int("count", slow))
	}
}
