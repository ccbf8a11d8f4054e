// Package ws owns the persistent client connections: the upgrade path,
// per-connection read/write pumps, heartbeat liveness and the protocol
// dispatch into the room registry.
package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"casesync/internal/activity"
	"casesync/internal/auth"
	"casesync/internal/presence"
	"casesync/internal/room"
)

// pongGrace pads the two-interval deadline for network jitter.
const pongGrace = 5 * time.Second

// Manager owns every connection handle. Components receive handles
// explicitly; there is no ambient connection state anywhere else.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client

	registry  *room.Registry
	presence  *presence.Tracker
	activity  *activity.Log
	heartbeat time.Duration
}

func NewManager(registry *room.Registry, tracker *presence.Tracker, log *activity.Log, heartbeat time.Duration) *Manager {
	return &Manager{
		clients:   make(map[string]*Client),
		registry:  registry,
		presence:  tracker,
		activity:  log,
		heartbeat: heartbeat,
	}
}

// pongWait is how long a connection may go without a pong before its read
// pump gives up: two heartbeat intervals (two missed pongs) plus grace.
func (m *Manager) pongWait() time.Duration {
	return 2*m.heartbeat + pongGrace
}

// Open registers an authenticated connection and starts its pumps.
func (m *Manager) Open(conn *websocket.Conn, ident auth.Identity) *Client {
	c := &Client{
		id:       uuid.NewString(),
		identity: ident,
		manager:  m,
		conn:     conn,
		send:     make(chan []byte, 256),
		lastPong: time.Now(),
		subs:     make(map[string]*room.Subscription),
	}

	m.mu.Lock()
	m.clients[c.id] = c
	total := len(m.clients)
	m.mu.Unlock()

	slog.Info("[WS] Connection opened", "user", ident.UserID, "conn", c.id, "total", total)

	go c.WritePump()
	go c.ReadPump()
	return c
}

// Close runs the disconnect cascade exactly once: the connection leaves
// every room it joined (each emits presence offline to the remaining
// members), the handle is dropped and the socket closed. The disconnected
// client itself is never sent an error; it is already gone.
func (m *Manager) Close(c *Client) {
	c.closeOnce.Do(func() {
		m.registry.DropConnection(c)

		m.mu.Lock()
		delete(m.clients, c.id)
		total := len(m.clients)
		m.mu.Unlock()

		// A late direct reply (the read pump can still be mid-dispatch
		// here) must see the closed flag before the channel goes away.
		c.markClosed()
		close(c.send)
		c.conn.Close()

		slog.Info("[WS] Connection closed", "user", c.identity.UserID, "conn", c.id, "total", total)
	})
}

// Get returns a connection handle by id.
func (m *Manager) Get(connID string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[connID]
}

// RoleOf reports the role attached to any of a user's open connections,
// or the empty string when the user is not connected.
func (m *Manager) RoleOf(userID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		if c.identity.UserID == userID {
			return c.identity.Role
		}
	}
	return ""
}

// Count reports the number of open connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Sweep force-closes connections whose last pong predates the deadline.
// The read deadline normally catches these; the sweep covers a wedged
// write pump that stopped sending pings.
func (m *Manager) Sweep() {
	deadline := time.Now().Add(-m.pongWait())

	m.mu.RLock()
	var stale []*Client
	for _, c := range m.clients {
		if c.staleSince(deadline) {
			stale = append(stale, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range stale {
		slog.Warn("[WS] Heartbeat timeout", "user", c.identity.UserID, "conn", c.id)
		m.Close(c)
	}
}

// RunSweeper runs Sweep on the heartbeat interval until stop is closed.
func (m *Manager) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-stop:
			return
		}
	}
}
