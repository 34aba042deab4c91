package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/rigbridge/internal/automation"
	"github.com/shaunagostinho/rigbridge/internal/metrics"
)

const (
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

// Hub fans automation events out to WebSocket subscribers. Publish never
// blocks: a client whose queue is full is disconnected.
type Hub struct {
	log      *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Publish implements automation.Notifier.
func (h *Hub) Publish(ev automation.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("event marshal failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	var slow []*wsClient

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow client", zap.String("client", c.id))
		h.remove(c, true)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientQueue),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SubscriberAdded()
	h.log.Info("client connected", zap.String("client", client.id), zap.Int("total", n))

	go h.writePump(client)

	// Reader keeps the connection alive until the peer goes away.
	go func() {
		defer h.remove(client, false)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) writePump(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// remove unregisters c once; closing send stops its writer.
func (h *Hub) remove(c *wsClient, dropped bool) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SubscriberRemoved(dropped)
	h.log.Info("client disconnected", zap.String("client", c.id), zap.Int("total", n), zap.Bool("dropped", dropped))
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c, false)
	}
}
