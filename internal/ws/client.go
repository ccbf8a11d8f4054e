package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"casesync/internal/auth"
	"casesync/internal/room"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB
)

// Client is one persistent connection. It implements room.Member; the
// registry references it by id and never owns it.
type Client struct {
	id       string
	identity auth.Identity
	manager  *Manager
	conn     *websocket.Conn
	send     chan []byte

	mu       sync.Mutex
	lastPong time.Time
	subs     map[string]*room.Subscription
	closed   bool

	closeOnce sync.Once
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.identity.UserID }
func (c *Client) Name() string   { return c.identity.Name }

// Enqueue hands a payload to the write pump without blocking. A full
// buffer means the client is unreachable right now; the event is dropped
// for it and the manager disconnects it. The closed check and the send
// share c.mu with markClosed, so a payload can never race onto a closed
// channel.
func (c *Client) Enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		slog.Warn("[CLIENT] Send buffer full, scheduling disconnect", "user", c.identity.UserID, "conn", c.id)
		go c.manager.Close(c)
		return false
	}
}

// markClosed bars further enqueues; the send channel may be closed once
// it returns.
func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// ReadPump pumps messages from the WebSocket into the dispatcher. The read
// deadline spans two ping intervals plus grace, so two consecutive missed
// pongs end the connection.
func (c *Client) ReadPump() {
	defer c.manager.Close(c)

	pongWait := c.manager.pongWait()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[CLIENT] Unexpected close", "user", c.identity.UserID, "conn", c.id, "error", err)
			}
			break
		}

		c.handleMessage(message)
	}
}

// WritePump pumps queued payloads to the WebSocket and keeps the heartbeat
// pings flowing.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.manager.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				slog.Error("[CLIENT] Failed to get writer", "user", c.identity.UserID, "conn", c.id, "error", err)
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				slog.Error("[CLIENT] Failed to close writer", "user", c.identity.UserID, "conn", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("[CLIENT] Failed to send ping", "user", c.identity.UserID, "conn", c.id, "error", err)
				return
			}
		}
	}
}

func (c *Client) staleSince(deadline time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong.Before(deadline)
}

func (c *Client) addSubscription(sub *room.Subscription) {
	c.mu.Lock()
	c.subs[sub.RoomKey()] = sub
	c.mu.Unlock()
}

func (c *Client) dropSubscription(roomKey string) *room.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.subs[roomKey]
	delete(c.subs, roomKey)
	return sub
}
