// Package transport defines the transport-agnostic Connection contract
// (spec.md §3/§4.A) implemented by the ws and quic sub-packages.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/flare152/flare/internal/schema"
)

// State is a Connection's lifecycle state.
type State int32

const (
	StateConnected State = iota
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Connection is the uniform send/receive/close contract over WebSocket or
// QUIC, per spec.md §3. id is unique process-wide; once Disconnected,
// Send/Receive fail with schema.ErrConnectionClosed.
type Connection interface {
	ID() string
	RemoteAddr() string
	Platform() schema.Platform
	ProtocolLabel() string

	Send(ctx context.Context, m *schema.Message) error
	Receive(ctx context.Context) (*schema.Message, error)
	Close() error

	// IsActive returns false if State() != Connected or elapsed since last
	// activity > timeout; otherwise it MAY probe the link (ping frame for
	// WS, a cheap no-op for QUIC) and returns false on any probe failure.
	IsActive(timeout time.Duration) bool
	State() State
}

// Activity is the shared last-activity bookkeeping both ws.Conn and
// quic.Conn embed, so IsActive's "elapsed since last activity" rule is
// implemented once.
type Activity struct {
	mu   sync.Mutex
	last time.Time
}

func NewActivity() *Activity { return &Activity{last: time.Now()} }

func (a *Activity) Touch() {
	a.mu.Lock()
	a.last = time.Now()
	a.mu.Unlock()
}

func (a *Activity) Elapsed() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.last)
}
