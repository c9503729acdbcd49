// Package api serves the bridge's HTTP and WebSocket surface: live
// telemetry, a snapshot of current values, configuration writes and
// metrics.
package api

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/types"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is a telemetry sink that broadcasts every update to the connected
// WebSocket clients. Each client has its own writer goroutine; a client
// that cannot keep up loses messages rather than stalling producers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     *log.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log.WithPrefix("ws"),
	}
}

func (h *Hub) Publish(u types.TelemetryUpdate) {
	if msg := u.ToJsonBytes(); msg != nil {
		h.Broadcast(msg)
	}
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("Client too slow, dropping message", "remote", c.conn.RemoteAddr())
		}
	}
}

// AddClient registers conn, then writes the updates returned by initial
// before starting its writer. Broadcasts arriving in between are queued
// behind them, so nothing published after registration is lost.
func (h *Hub) AddClient(conn *websocket.Conn, initial func() []types.TelemetryUpdate) (*client, error) {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if initial != nil {
		for _, u := range initial() {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, u.ToJsonBytes()); err != nil {
				h.RemoveClient(c)
				return nil, err
			}
		}
	}

	go h.writer(c)
	return c, nil
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) writer(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.RemoveClient(c)
			return
		}
	}
}
