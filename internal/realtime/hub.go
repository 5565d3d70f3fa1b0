// Package realtime streams fraud flags to WebSocket clients as they are raised.
//
// Dashboards connect to /ws and receive every new flag. A client narrows the
// stream by sending a filter, which the hub acknowledges:
//
//	-> {"user_ids": ["u1"], "fraud_types": ["high amount"], "min_amount": "500"}
//	<- {"type": "subscribed", "timestamp": "...", "data": {...filter}}
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/metrics"
)

// EventType names a message sent to clients.
type EventType string

const (
	EventFlagRaised EventType = "flag_raised"
	EventSubscribed EventType = "subscribed"
	EventError      EventType = "error"
)

// Event is the envelope of every message sent to clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub defaults.
const (
	DefaultMaxClients = 10000
	DefaultSendBuffer = 256
	broadcastBuffer   = 256
)

// Hub fans flags out to connected clients. Run owns the client set; every
// other method talks to it through channels or the read lock.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan *fraud.FlaggedTransaction
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	done       chan struct{}

	logger     *slog.Logger
	upgrader   websocket.Upgrader
	maxClients int
	sendBuffer int

	flagsSent     atomic.Int64
	flagsDropped  atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
	slowEvictions atomic.Int64
}

var _ fraud.Notifier = (*Hub)(nil)

// Option configures a Hub.
type Option func(*Hub)

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithSendBuffer sets how many messages may queue per client before it is
// dropped as too slow.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithAllowedOrigins accepts browser connections from the listed origins.
// "*" accepts any origin. Without this option only same-host origins and
// non-browser clients are accepted.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		if len(origins) == 0 {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || sameHost(r, origin) ||
				slices.Contains(origins, "*") || slices.Contains(origins, origin)
		}
	}
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan *fraud.FlaggedTransaction, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
		maxClients: DefaultMaxClients,
		sendBuffer: DefaultSendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || sameHost(r, origin)
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func sameHost(r *http.Request, origin string) bool {
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "clients", n)

		case flag := <-h.broadcast:
			h.fanOut(flag)
		}
	}
}

// fanOut queues flag on every matching client. Clients whose buffer is full
// are disconnected rather than allowed to stall the hub.
func (h *Hub) fanOut(flag *fraud.FlaggedTransaction) {
	payload, err := json.Marshal(Event{Type: EventFlagRaised, Timestamp: time.Now().UTC(), Data: flag})
	if err != nil {
		h.logger.Error("failed to encode flag event", "flag_id", flag.ID, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.filter().Matches(flag) {
			continue
		}
		select {
		case c.send <- payload:
			h.flagsSent.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if _, ok := h.clients[c]; ok {
			close(c.send)
			delete(h.clients, c)
			h.slowEvictions.Add(1)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("disconnected slow websocket clients", "count", len(slow))
}

// FlagRaised implements fraud.Notifier. It never blocks.
func (h *Hub) FlagRaised(_ context.Context, flag *fraud.FlaggedTransaction) {
	select {
	case h.broadcast <- flag:
	default:
		h.flagsDropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues("websocket", "dropped").Inc()
		h.logger.Warn("websocket broadcast queue full, dropping flag", "flag_id", flag.ID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns counters for the health endpoint.
func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"connected_clients": h.ClientCount(),
		"total_clients":     h.totalClients.Load(),
		"peak_clients":      h.peakClients.Load(),
		"flags_sent":        h.flagsSent.Load(),
		"flags_dropped":     h.flagsDropped.Load(),
		"slow_evictions":    h.slowEvictions.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client that receives
// every flag until it sends a filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.ClientCount() >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
