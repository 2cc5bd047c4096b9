package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/visiona/lince/internal/types"
)

const clientSendBuffer = 16

// wsEnvelope is the monitoring wire format. Unlike the data channel
// envelope it names the connection, since one watcher sees all of them.
type wsEnvelope struct {
	Type   string `json:"type"`
	ConnID string `json:"connId"`
	types.DetectionResult
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans every admitted detection result out to monitoring WebSocket
// clients. Watchers are read-only; a watcher that cannot keep up has
// results dropped, never buffered beyond its send queue.
//
// Hub implements Observer and is wired behind the Broadcaster.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool

	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// Monitoring endpoint on a trusted network; origin gating is
			// left to whatever fronts the daemon.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Handle upgrades an HTTP request to a watcher connection and serves it
// until the peer goes away.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("watcher upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("watcher connected",
		"remote_addr", conn.RemoteAddr().String(),
		"watchers", count,
	)

	go client.writeLoop()

	// Watchers never send anything meaningful; the read loop exists to
	// notice the disconnect.
	defer h.drop(client)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Observe implements Observer: every admitted result is offered to every
// watcher, dropping for watchers whose send queue is full.
func (h *Hub) Observe(connID string, result types.DetectionResult) {
	payload, err := json.Marshal(wsEnvelope{
		Type:            "detection",
		ConnID:          connID,
		DetectionResult: result,
	})
	if err != nil {
		slog.Error("watcher envelope marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()
}

// ClientCount returns the number of connected watchers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many watcher deliveries were skipped on full queues.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects all watchers and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.conn.Close()
	}
}

// drop unregisters a client; its write loop ends when send closes.
func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	_, registered := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if registered {
		close(client.send)
	}
	client.conn.Close()
}

func (c *wsClient) writeLoop() {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
