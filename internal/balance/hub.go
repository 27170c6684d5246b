// Package balance provides the WebSocket surface that pushes live credit
// balance updates to connected clients.
package balance

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks active balance sockets per user. A user may hold several
// at once (one per open tab).
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewRegistry creates a new connection registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the connection registered under a user and connection ID.
func (r *Registry) GetActive(userID, connID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conns, ok := r.active[userID]; ok {
		return conns[connID]
	}
	return nil
}

// Count returns the number of active connections for a user.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active[userID])
}

// Register adds a connection for a user.
func (r *Registry) Register(userID, connID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[userID]; !exists {
		r.active[userID] = make(map[string]*websocket.Conn)
	}
	r.active[userID][connID] = conn
	slog.Info("Balance socket registered", "user_id", userID, "conn_id", connID)
}

// Unregister removes a connection for a user. A stale unregister for a
// replaced connection is ignored.
func (r *Registry) Unregister(userID, connID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conns, ok := r.active[userID]; ok {
		if current, exists := conns[connID]; exists && current == conn {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.active, userID)
			}
			slog.Info("Balance socket unregistered", "user_id", userID, "conn_id", connID)
		}
	}
}

// CloseAll forcefully closes every balance socket for a user.
func (r *Registry) CloseAll(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.active[userID]
	if !ok {
		return
	}

	for connID, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Balance socket closed", "user_id", userID, "conn_id", connID)
	}
	delete(r.active, userID)
}
