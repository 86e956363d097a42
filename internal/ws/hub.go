package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"opspulse-backend/internal/event"
	"opspulse-backend/internal/metrics"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead. pingPeriod must stay below it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing buffer depth. A client that
	// falls this far behind gets dropped instead of stalling the feed.
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy belongs to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans published events out to connected stream subscribers. Each client
// gets an independent buffered queue so one slow consumer cannot block the
// publisher or its peers.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client is one connected subscriber with its optional filters.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	eventType string
	tenantID  string
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeHTTP upgrades the connection and serves the client until it
// disconnects. Query parameters type and tenant narrow the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn:      conn,
		send:      make(chan []byte, sendBufSize),
		eventType: r.URL.Query().Get("type"),
		tenantID:  r.URL.Query().Get("tenant"),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump()
}

// Broadcast queues an event for every subscriber whose filters match. Clients
// with a full buffer are dropped.
func (h *Hub) Broadcast(e event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error("stream marshal failed", "event_id", e.ID, "error", err)
		return
	}

	// Sends happen under the read lock so a concurrent unregister cannot
	// close a channel mid-send. Slow clients are collected and dropped
	// after the lock is released.
	h.mu.RLock()
	var drops []*client
	for c := range h.clients {
		if !c.matches(e) {
			continue
		}
		select {
		case c.send <- data:
		default:
			drops = append(drops, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range drops {
		h.log.Warn("dropping slow stream client")
		h.unregister(c)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) matches(e event.Event) bool {
	if c.eventType != "" && c.eventType != e.Type {
		return false
	}
	if c.tenantID != "" && c.tenantID != e.TenantID {
		return false
	}
	return true
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.StreamClients.Inc()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		metrics.StreamClients.Dec()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	n := len(h.clients)
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.StreamClients.Sub(float64(n))
}

// writePump drains the client's queue onto the wire and keeps the connection
// alive with pings. One goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and detects disconnects. The stream is
// push-only; inbound data frames are discarded.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
