package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowpbx/callctl/internal/message"
)

const (
	// clientBuffer is how many events a feed client may lag behind before
	// it is disconnected.
	clientBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// maxClientMessage bounds what a client may send; the feed is one-way.
	maxClientMessage = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// feedClient is one websocket subscriber. token, when set, restricts the
// feed to the events of a single call.
type feedClient struct {
	id    string
	conn  *websocket.Conn
	token string
	send  chan message.Message

	closeOnce sync.Once
	done      chan struct{}
}

func (c *feedClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *feedClient) wants(m message.Message) bool {
	return c.token == "" || m.Token == "" || m.Token == c.token
}

// Hub fans call-control messages out to websocket clients. A client that
// cannot keep up is disconnected rather than slowing the host's message
// pump.
type Hub struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*feedClient]struct{}),
		logger:  logger.With("component", "event-feed"),
	}
}

// Broadcast queues m for every interested client. It never blocks.
func (h *Hub) Broadcast(m message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.wants(m) {
			continue
		}
		select {
		case c.send <- m:
		default:
			h.logger.Warn("event feed client too slow, disconnecting", "client_id", c.id)
			delete(h.clients, c)
			c.close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) register(c *feedClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *feedClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// ServeWS upgrades the request to a websocket and streams events as JSON
// until either side goes away. Query param: token, to follow one call.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		id:    uuid.NewString(),
		conn:  conn,
		token: r.URL.Query().Get("token"),
		send:  make(chan message.Message, clientBuffer),
		done:  make(chan struct{}),
	}
	l := h.logger.With("client_id", c.id)

	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	l.Info("event feed client connected", "remote_addr", r.RemoteAddr, "token", c.token)

	go h.readPump(c)
	h.writePump(c)

	h.unregister(c)
	conn.Close()
	l.Info("event feed client disconnected")
}

// readPump consumes control frames so pongs and close frames are seen.
func (h *Hub) readPump(c *feedClient) {
	defer c.close()

	c.conn.SetReadLimit(maxClientMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("event feed read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *feedClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case m := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteJSON(m); err != nil {
				h.logger.Debug("event feed write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
