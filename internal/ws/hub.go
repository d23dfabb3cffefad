// Package ws pushes inbox invalidations and notices to browser sockets.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/educpro/inbox"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType identifies a websocket frame.
type MessageType string

// Frame types.
const (
	TypeMessagesChanged MessageType = "messages.changed"
	TypeNotice          MessageType = "notice"
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
	TypeError           MessageType = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

// Message is a websocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChangedData is the payload of a messages.changed frame. Browsers refetch
// the list on receipt; the view itself is not pushed.
type ChangedData struct {
	State  string `json:"state"`
	Count  int    `json:"count"`
	Unread int    `json:"unread"`
}

// Authenticator resolves the session of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (inbox.Session, error)
}

// Client is one browser socket of a user.
type Client struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
}

// Hub tracks sockets by user and fans frames out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // client id -> client
	users   map[string]map[string]*Client // user id -> client id -> client

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	auth           Authenticator
	allowedOrigins []string
	onConnect      func(inbox.Session)
	log            *zap.Logger
}

// NewHub creates a hub. onConnect, if non-nil, runs for every accepted socket.
func NewHub(auth Authenticator, allowedOrigins []string, onConnect func(inbox.Session), log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:        make(map[string]*Client),
		users:          make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		auth:           auth,
		allowedOrigins: allowedOrigins,
		onConnect:      onConnect,
		log:            log,
	}
}

// Run processes registrations until ctx is done, then closes every socket.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			h.log.Info("websocket hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			if h.users[c.UserID] == nil {
				h.users[c.UserID] = make(map[string]*Client)
			}
			h.users[c.UserID][c.ID] = c
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("client_id", c.ID), zap.String("user_id", c.UserID))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.ID]; ok {
				delete(h.clients, c.ID)
				if byUser := h.users[c.UserID]; byUser != nil {
					delete(byUser, c.ID)
					if len(byUser) == 0 {
						delete(h.users, c.UserID)
					}
				}
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug("client unregistered", zap.String("client_id", c.ID), zap.String("user_id", c.UserID))
		}
	}
}

// Clients returns the number of open sockets for userID.
func (h *Hub) Clients(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Len returns the number of open sockets across all users.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Online reports whether userID has at least one open socket.
func (h *Hub) Online(userID string) bool {
	return h.Clients(userID) > 0
}

// NotifyChanged pushes a messages.changed frame for snap to its user.
func (h *Hub) NotifyChanged(snap inbox.Snapshot) {
	h.SendToUser(snap.UserID, TypeMessagesChanged, ChangedData{
		State:  snap.State.String(),
		Count:  len(snap.Messages),
		Unread: snap.Unread,
	})
}

// NotifyNotice pushes a notice frame to the notice's user.
func (h *Hub) NotifyNotice(n inbox.Notice) {
	if n.UserID == "" {
		return
	}
	h.SendToUser(n.UserID, TypeNotice, n)
}

// SendToUser marshals data into a frame of type t and queues it on every
// socket of userID. Slow sockets drop the frame.
func (h *Hub) SendToUser(userID string, t MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error("failed to marshal frame data", zap.String("type", string(t)), zap.Error(err))
		return
	}
	frame, err := json.Marshal(Message{Type: t, Data: raw, Timestamp: time.Now().UTC()})
	if err != nil {
		h.log.Error("failed to marshal frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.users[userID] {
		select {
		case c.send <- frame:
		default:
			h.log.Warn("client channel blocked, dropping frame",
				zap.String("client_id", c.ID), zap.String("type", string(t)))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[string]*Client)
	h.users = make(map[string]map[string]*Client)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handler authenticates the request, upgrades it and starts the pumps.
func (h *Hub) Handler() gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return func(c *gin.Context) {
		sess, err := h.auth.Authenticate(c.Request)
		if err != nil {
			h.log.Warn("websocket authentication failed", zap.Error(err), zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("failed to upgrade connection", zap.Error(err), zap.String("origin", c.GetHeader("Origin")))
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			UserID: sess.UserID,
			conn:   conn,
			send:   make(chan []byte, sendBufferSize),
			hub:    h,
		}
		select {
		case h.register <- client:
		case <-h.done:
			_ = conn.Close()
			return
		}

		if h.onConnect != nil {
			h.onConnect(sess)
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump discards client frames other than pongs and unregisters the
// client when the socket closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		switch msg.Type {
		case TypePong:
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		case TypePing:
			c.reply(TypePong)
		default:
			c.hub.log.Debug("ignoring client frame", zap.String("type", string(msg.Type)))
		}
	}
}

func (c *Client) reply(t MessageType) {
	frame, err := json.Marshal(Message{Type: t, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.ID]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
