package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/watchlist"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

const (
	MessageSession   = "session"
	MessageWatchlist = "watchlist"
)

// Message is one frame pushed to event subscribers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type sessionData struct {
	User *domain.User `json:"user"`
}

// Hub fans session and watchlist changes out to WebSocket clients. Every
// client belongs to the signed-in user; a session change disconnects
// clients of any other user.
type Hub struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	owner   string
	closed  bool
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// HandleSession is a session listener.
func (h *Hub) HandleSession(u *domain.User) {
	owner := ""
	if u != nil {
		owner = u.ID.String()
	}
	data, err := json.Marshal(Message{Type: MessageSession, Data: sessionData{User: u}})
	if err != nil {
		h.log.Error("marshal session event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.owner = owner
	for c := range h.clients {
		if c.uid != owner {
			h.dropLocked(c)
			h.log.Info("events client evicted", zap.String("user_id", c.uid))
			continue
		}
		h.sendLocked(c, data)
	}
}

// HandleWatchlist is a watchlist subscriber.
func (h *Hub) HandleWatchlist(ev watchlist.Event) {
	h.Broadcast(Message{Type: MessageWatchlist, Data: ev})
}

func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal event", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.sendLocked(c, data)
	}
}

// sendLocked never blocks; a client that cannot keep up is dropped.
func (h *Hub) sendLocked(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn("events client send channel full, removing", zap.String("user_id", c.uid))
		h.dropLocked(c)
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// add registers c unless the hub is closed or c belongs to someone other
// than the signed-in user.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || c.uid == "" || c.uid != h.owner {
		return false
	}
	h.clients[c] = struct{}{}
	h.log.Info("events client connected", zap.String("user_id", c.uid))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.dropLocked(c)
		h.log.Info("events client disconnected", zap.String("user_id", c.uid))
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
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
		h.dropLocked(c)
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	uid  string
	send chan []byte
}

func newClient(h *Hub, conn *websocket.Conn, uid string) *client {
	return &client{hub: h, conn: conn, uid: uid, send: make(chan []byte, sendBuffer)}
}

// readPump only keeps the connection alive; clients have nothing to say.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("events read failed", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
