// Package server is the Server Engine: accepts connections, runs the auth
// handshake, owns the connection registry, dispatches inbound commands, and
// exposes push APIs. Grounded on the teacher's internal/ws.Handler
// (connection bookkeeping, per-connection goroutine, ping/pong texture),
// generalized from a single anonymous *websocket.Conn client to a named,
// indexed ConnectionInfo registry; push APIs iterate that registry directly.
package server

import (
	"sync"
	"time"

	"github.com/flare152/flare/internal/schema"
	"github.com/flare152/flare/internal/transport"
)

// ConnectionInfo is the server-side registry entry for one promoted
// connection, per spec.md §3.
type ConnectionInfo struct {
	ConnID        string
	UserID        string
	Platform      schema.Platform
	ClientID      string
	RemoteAddr    string
	Protocol      string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Conn          transport.Connection
}

// Registry is the primary conn_id -> info table plus the secondary
// user_id -> [conn_id] index, per spec.md §3's ConnectionInfo invariant.
type Registry struct {
	mu    sync.Mutex
	byID  map[string]*ConnectionInfo
	byUser map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*ConnectionInfo),
		byUser: make(map[string][]string),
	}
}

// Insert adds info to both indexes.
func (r *Registry) Insert(info *ConnectionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[info.ConnID] = info
	r.byUser[info.UserID] = append(r.byUser[info.UserID], info.ConnID)
}

// Remove deletes the entry for connID from both indexes.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byID[connID]
	if !ok {
		return
	}
	delete(r.byID, connID)
	ids := r.byUser[info.UserID]
	for i, id := range ids {
		if id == connID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byUser, info.UserID)
	} else {
		r.byUser[info.UserID] = ids
	}
}

// Get returns the entry for connID, if present.
func (r *Registry) Get(connID string) (*ConnectionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byID[connID]
	return info, ok
}

// ByUser returns a snapshot slice of the entries indexed under userID.
func (r *Registry) ByUser(userID string) []*ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byUser[userID]
	out := make([]*ConnectionInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.byID[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

// All returns a snapshot slice of every registered entry.
func (r *Registry) All() []*ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ConnectionInfo, 0, len(r.byID))
	for _, info := range r.byID {
		out = append(out, info)
	}
	return out
}

// Touch refreshes LastHeartbeat for connID.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.byID[connID]; ok {
		info.LastHeartbeat = time.Now()
	}
}

// EvictStale removes and returns every entry whose LastHeartbeat is older
// than maxAge, under a single table-wide lock for the whole pass (simpler
// than a per-entry try-lock and sufficient at this scale; see DESIGN.md).
func (r *Registry) EvictStale(maxAge time.Duration) []*ConnectionInfo {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*ConnectionInfo
	for id, info := range r.byID {
		if info.LastHeartbeat.Before(cutoff) {
			evicted = append(evicted, info)
			delete(r.byID, id)
			ids := r.byUser[info.UserID]
			for i, uid := range ids {
				if uid == id {
					ids = append(ids[:i], ids[i+1:]...)
					break
				}
			}
			if len(ids) == 0 {
				delete(r.byUser, info.UserID)
			} else {
				r.byUser[info.UserID] = ids
			}
		}
	}
	return evicted
}
