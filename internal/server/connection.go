package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lox/cprbargain/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendTimeout      = errors.New("send timeout")
)

// Connection is one participant websocket. It is bound to a player once the
// participant has joined.
type Connection struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu       sync.RWMutex
	playerID int
	name     string
	closed   bool
	done     chan struct{}
}

func newConnection(conn *websocket.Conn, server *Server) *Connection {
	return &Connection{
		conn:   conn,
		send:   make(chan []byte, 64),
		server: server,
		done:   make(chan struct{}),
	}
}

// PlayerID returns the bound player, or 0 before joining.
func (c *Connection) PlayerID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

func (c *Connection) bind(playerID int, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playerID = playerID
	c.name = name
}

// Send queues a message for the write pump.
func (c *Connection) Send(msg *protocol.Message) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrConnectionClosed
	}
	c.mu.RUnlock()

	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-time.After(time.Second):
		return ErrSendTimeout
	}
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// readPump reads messages until the connection fails.
func (c *Connection) readPump() {
	defer func() {
		c.server.disconnect(c)
		_ = c.conn.Close()
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error().Err(err).Int("player", c.PlayerID()).Msg("Unexpected WebSocket close error")
			}
			return
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			c.server.sendError(c, protocol.CodeBadRequest, err.Error())
			continue
		}
		c.server.handleMessage(c, msg)
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
