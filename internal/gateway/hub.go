package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/linewatch/internal/models"
)

// ConnHandler receives inbound traffic and disconnects from the hub
type ConnHandler interface {
	HandleMessage(conn *Conn, data []byte)
	HandleDisconnect(conn *Conn)
}

// ConnConfig holds WebSocket connection tuning
type ConnConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnConfig returns default WebSocket tuning
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  16 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Conn is one member's WebSocket connection
type Conn struct {
	ID      string
	Session models.RoomSession
	sock    *websocket.Conn
	send    chan []byte
	hub     *Hub

	// Cancel stops per-connection goroutines (the heartbeat loop)
	Cancel context.CancelFunc

	ConnectedAt time.Time

	// sendMu guards closed and the close of send. The hub goroutine
	// snapshots delivery targets before sending, so a disconnect can
	// land in between; trySend and markClosed serialize on this lock.
	sendMu sync.Mutex
	closed bool
}

type outbound struct {
	roomID string
	data   []byte
	only   *Conn
	except *Conn
}

// Hub manages the WebSocket connections of every room on this instance
type Hub struct {
	mu        sync.RWMutex
	roomConns map[string]map[*Conn]bool

	upgrader    websocket.Upgrader
	config      ConnConfig
	handler     ConnHandler
	broadcastCh chan outbound
}

// NewHub creates a connection hub
func NewHub(config ConnConfig) *Hub {
	return &Hub{
		roomConns: make(map[string]map[*Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan outbound, 1000),
	}
}

// SetHandler wires the message/disconnect handler. Must be called
// before the first upgrade.
func (h *Hub) SetHandler(handler ConnHandler) {
	h.handler = handler
}

// Start processes outbound broadcasts until ctx is cancelled
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("connection hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection hub shutting down")
			return
		case msg := <-h.broadcastCh:
			h.deliver(msg)
		}
	}
}

// Upgrade turns an HTTP request into a registered room connection
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, session models.RoomSession, cancel context.CancelFunc) (*Conn, error) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		ID:          uuid.New().String(),
		Session:     session,
		sock:        sock,
		send:        make(chan []byte, 256),
		hub:         h,
		Cancel:      cancel,
		ConnectedAt: time.Now(),
	}

	h.register(conn)
	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", session.UserID).
		Str("room_id", session.RoomID).
		Msg("WebSocket connection established")
	return conn, nil
}

func (h *Hub) register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	roomID := conn.Session.RoomID
	if h.roomConns[roomID] == nil {
		h.roomConns[roomID] = make(map[*Conn]bool)
	}
	h.roomConns[roomID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", roomID).
		Int("room_connections", len(h.roomConns[roomID])).
		Msg("connection registered")
}

func (h *Hub) unregister(conn *Conn) (removed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	roomID := conn.Session.RoomID
	conns, ok := h.roomConns[roomID]
	if !ok {
		return false
	}
	if _, ok := conns[conn]; !ok {
		return false
	}

	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.roomConns, roomID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.Session.UserID).
		Str("room_id", roomID).
		Msg("connection unregistered")
	return true
}

// BroadcastToRoom sends a message to every connection in a room. A room
// with no local connections is a no-op.
func (h *Hub) BroadcastToRoom(roomID string, data []byte) {
	select {
	case h.broadcastCh <- outbound{roomID: roomID, data: data}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastExcept sends a message to every room connection but one
func (h *Hub) BroadcastExcept(roomID string, data []byte, except *Conn) {
	select {
	case h.broadcastCh <- outbound{roomID: roomID, data: data, except: except}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

// SendToConn sends a message to a single connection
func (h *Hub) SendToConn(conn *Conn, data []byte) {
	select {
	case h.broadcastCh <- outbound{roomID: conn.Session.RoomID, data: data, only: conn}:
	default:
		log.Warn().Str("connection_id", conn.ID).Msg("broadcast channel full, dropping message")
	}
}

// RoomConnCount returns the number of live connections for a room
func (h *Hub) RoomConnCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.roomConns[roomID])
}

func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	conns, ok := h.roomConns[msg.roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	var targets []*Conn
	for conn := range conns {
		if msg.only != nil && conn != msg.only {
			continue
		}
		if conn == msg.except {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if !conn.trySend(msg.data) {
			// Connection is slow or dead; drop it.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.Session.UserID).
				Msg("connection send buffer full, closing connection")
			conn.Close()
		}
	}
}

// trySend enqueues a message for the write pump. Messages for a closed
// connection are dropped; reports false only when the send buffer is
// full and the connection should be torn down.
func (c *Conn) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// markClosed closes the send channel exactly once, under the same lock
// trySend holds, so the hub goroutine can never send on a closed channel.
func (c *Conn) markClosed() {
	c.sendMu.Lock()
	c.closed = true
	close(c.send)
	c.sendMu.Unlock()
}

// Close tears a connection down and notifies the handler once
func (c *Conn) Close() {
	if !c.hub.unregister(c) {
		return
	}
	c.markClosed()
	c.sock.Close()
	if c.Cancel != nil {
		c.Cancel()
	}
	if c.hub.handler != nil {
		c.hub.handler.HandleDisconnect(c)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer c.Close()

	c.sock.SetReadLimit(c.hub.config.MaxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close")
			}
			break
		}
		if c.hub.handler != nil {
			c.hub.handler.HandleMessage(c, message)
		}
		c.sock.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}
