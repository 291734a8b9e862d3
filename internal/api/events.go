package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/camerabridge/internal/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeEvent       MessageType = "event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
)

// Message is one frame on the events socket
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// client is one browser connection
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]bool // camera ids, "*" for all
}

func (c *client) subscribed(cameraID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions["*"] || cameraID == "" || c.subscriptions[cameraID]
}

// Hub fans bus events out to websocket clients
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	closed  bool
	logger  *slog.Logger
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		logger:  slog.Default().With("component", "events-hub"),
	}
}

// Publish forwards e to every client subscribed to its camera. Slow
// clients miss events rather than stall the bus.
func (h *Hub) Publish(e core.Event) {
	data, err := json.Marshal(Message{Type: MessageTypeEvent, Timestamp: e.Timestamp, Data: e})
	if err != nil {
		h.logger.Error("Failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(e.CameraID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("Client buffer full, dropping event", "subject", e.Subject)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	h.logger.Debug("Client connected", "total_clients", len(h.clients))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug("Client disconnected", "total_clients", len(h.clients))
	}
}

// HandleWebSocket upgrades the request. ?camera=a,b limits the initial
// subscription; the default is every camera.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}

	subs := map[string]bool{"*": true}
	if q := r.URL.Query().Get("camera"); q != "" {
		subs = make(map[string]bool)
		for _, id := range splitList(q) {
			subs[id] = true
		}
	}

	c := &client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 64),
		subscriptions: subs,
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes ping and subscription messages
func (c *client) handleMessage(data []byte) {
	var msg struct {
		Type MessageType `json:"type"`
		Data []string    `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case MessageTypePing:
		if out, err := json.Marshal(Message{Type: MessageTypePong, Timestamp: time.Now()}); err == nil {
			c.hub.mu.RLock()
			if c.hub.clients[c] {
				select {
				case c.send <- out:
				default:
				}
			}
			c.hub.mu.RUnlock()
		}
	case MessageTypeSubscribe:
		c.mu.Lock()
		delete(c.subscriptions, "*")
		for _, id := range msg.Data {
			c.subscriptions[id] = true
		}
		c.mu.Unlock()
	case MessageTypeUnsubscribe:
		c.mu.Lock()
		for _, id := range msg.Data {
			delete(c.subscriptions, id)
		}
		c.mu.Unlock()
	}
}
