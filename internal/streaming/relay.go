package streaming

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// relayClient is one websocket viewer
type relayClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Relay serves a session's byte stream to websocket clients on the
// session's stream port. It outlives individual transcoder processes so
// clients stay connected across restarts.
type Relay struct {
	cameraID string
	ln       net.Listener
	server   *http.Server
	onChange func(clients int)
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*relayClient
	closed  bool
	dropped int64
}

// NewRelay creates a relay serving on ln. onChange, if set, is called with
// the client count after every connect and disconnect.
func NewRelay(cameraID string, ln net.Listener, onChange func(clients int)) *Relay {
	r := &Relay{
		cameraID: cameraID,
		ln:       ln,
		onChange: onChange,
		clients:  make(map[string]*relayClient),
		logger:   slog.Default().With("component", "stream-relay", "camera", cameraID),
	}
	r.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r
}

// Serve accepts connections until Close
func (r *Relay) Serve() {
	if err := r.server.Serve(r.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.logger.Error("Relay server stopped", "error", err)
	}
}

// ServeHTTP upgrades the request and registers the client
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}

	c := &relayClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.clients[c.id] = c
	n := len(r.clients)
	r.mu.Unlock()

	r.logger.Info("Stream client connected", "client", c.id, "remote", req.RemoteAddr, "clients", n)
	r.notify(n)

	go r.writePump(c)
	go r.readPump(c)
}

// Broadcast queues p for every client. Slow clients drop chunks rather than
// stalling the transcoder.
func (r *Relay) Broadcast(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		select {
		case c.send <- chunk:
		default:
			r.dropped++
		}
	}
}

// ClientCount returns the number of connected clients
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Dropped returns how many chunks were dropped for slow clients
func (r *Relay) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Close stops accepting clients and disconnects everyone. Idempotent.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := r.clients
	r.clients = make(map[string]*relayClient)
	for _, c := range clients {
		close(c.send)
	}
	r.mu.Unlock()

	// Hijacked websocket connections are not closed by the server.
	_ = r.server.Close()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (r *Relay) remove(c *relayClient) {
	r.mu.Lock()
	if _, ok := r.clients[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c.id)
	close(c.send)
	n := len(r.clients)
	r.mu.Unlock()

	r.logger.Info("Stream client disconnected", "client", c.id, "clients", n)
	r.notify(n)
}

func (r *Relay) notify(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}

// readPump only services control frames; viewers never send data
func (r *Relay) readPump(c *relayClient) {
	defer func() {
		r.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				r.logger.Debug("Stream client read error", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (r *Relay) writePump(c *relayClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case chunk, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream stopped"))
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
