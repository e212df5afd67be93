package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sqlagent/internal/agent"
	"sqlagent/internal/logging"
	"sqlagent/internal/metrics"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	maxMessageSize  = 64 << 10

	closeInvalidToken = 4001
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS layer for browser clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is every frame the server sends.
type wsMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// peerKey groups the connections one user has open on one chat session.
type peerKey struct {
	userID    int64
	sessionID string
}

// Hub tracks open connections per user and chat session. Final answers are
// also delivered to the same user's other connections on that session;
// guests never share.
type Hub struct {
	sessions map[peerKey]map[*Client]bool
	mu       sync.RWMutex

	// pongWait is how long a connection may stay silent; pings go out at
	// nine tenths of it.
	pongWait time.Duration
}

func newHub() *Hub {
	return &Hub{sessions: make(map[peerKey]map[*Client]bool), pongWait: defaultPongWait}
}

// Client is one WebSocket connection. Only writePump writes to conn; ctx
// ends when the connection does.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	userID    int64
	service   *agent.QueryService
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[c.key()] == nil {
		h.sessions[c.key()] = make(map[*Client]bool)
	}
	h.sessions[c.key()][c] = true
	metrics.WSConnections.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.sessions[c.key()]; ok && clients[c] {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.sessions, c.key())
		}
		metrics.WSConnections.Dec()
	}
	c.cancel()
}

// broadcast queues message for the sender's other connections on the same
// session. Clients whose buffer is full are dropped.
func (h *Hub) broadcast(message []byte, sender *Client) {
	if sender.userID == 0 {
		return
	}
	var slow []*Client

	h.mu.RLock()
	for c := range h.sessions[sender.key()] {
		if c == sender {
			continue
		}
		select {
		case c.send <- message:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.unregister(c)
	}
}

func (h *Hub) count(userID int64, sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[peerKey{userID, sessionID}])
}

// closeAll ends every connection; used on shutdown since hijacked
// connections are not tracked by http.Server.
func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*Client
	for _, clients := range h.sessions {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.unregister(c)
	}
}

func (c *Client) key() peerKey { return peerKey{c.userID, c.sessionID} }

// emit queues a frame for this client. It reports false once the client
// is gone.
func (c *Client) emit(m wsMessage) bool {
	data, err := json.Marshal(m)
	if err != nil {
		c.log.Error("websocket encode failed", "err", err)
		return true
	}
	select {
	case c.send <- data:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (s *server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade error", "err", err)
		return
	}

	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	id := guest
	if token := q.Get("token"); token != "" {
		id, err = s.tokens.parse(token)
		if err != nil {
			s.rejectWs(conn, err)
			return
		}
		s.log.Info("authenticated websocket user", "user_id", id.UserID)
	} else {
		s.log.Info("guest user connected via websocket")
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ctx:       ctx,
		cancel:    cancel,
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		sessionID: sessionID,
		userID:    id.UserID,
		service:   s.agent.Session(sessionID, id.UserID),
		log:       s.log.With("session", sessionID),
	}
	client.hub.register(client)
	client.log.Info("websocket connected", "peers", s.hub.count(id.UserID, sessionID))

	go client.writePump()
	go client.readPump()
}

func (s *server) rejectWs(conn *websocket.Conn, err error) {
	defer conn.Close()

	data, _ := json.Marshal(wsMessage{Type: "error", Message: "Invalid token: " + err.Error()})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeInvalidToken, "invalid token"),
		time.Now().Add(writeWait))
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.log.Info("closed websocket connection")
	}()

	pongWait := c.hub.pongWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", "err", err)
			}
			return
		}
		if !c.handle(message) {
			return
		}
		// Pongs queued while handle ran are only seen by the next read.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// handle answers one client frame; it reports false when the client is
// gone.
func (c *Client) handle(message []byte) bool {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(message, &req); err != nil {
		return c.emit(wsMessage{Type: "error", Message: `Invalid JSON format. Send JSON: {"query": "..."}`})
	}
	if req.Query == "" {
		return c.emit(wsMessage{Type: "error", Message: "Missing 'query' field."})
	}

	c.log.Info("received websocket query", "query", req.Query)
	if !c.emit(wsMessage{Type: "status", Message: fmt.Sprintf("Processing query for session %s...", c.sessionID)}) {
		return false
	}

	ctx := c.ctx
	errGone := errors.New("client gone")
	err := c.service.StreamDraft(ctx, req.Query, func(chunk string) error {
		if !c.emit(wsMessage{Type: "stream", Data: chunk}) {
			return errGone
		}
		return nil
	})
	if errors.Is(err, errGone) {
		return false
	}
	if err != nil {
		c.log.Warn("LLM stream error", "err", err)
		if !c.emit(wsMessage{Type: "warning", Message: "Stream interrupted: " + err.Error()}) {
			return false
		}
	}

	res := c.service.Process(ctx, req.Query)
	res.SessionID = c.sessionID
	final := wsMessage{Type: "final", Data: res}
	if data, err := json.Marshal(final); err == nil {
		c.hub.broadcast(data, c)
	}
	return c.emit(final)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
