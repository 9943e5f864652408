package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	quicgo "github.com/quic-go/quic-go"

	"github.com/flare152/flare/internal/dispatch"
	"github.com/flare152/flare/internal/imctx"
	"github.com/flare152/flare/internal/schema"
	"github.com/flare152/flare/internal/transport"
	"github.com/flare152/flare/internal/transport/quic"
	"github.com/flare152/flare/internal/transport/ws"
)

const (
	authHandshakeTimeout = 30 * time.Second
	watchdogInterval     = 30 * time.Second
	connectionTimeout    = 90 * time.Second // CONNECTION_TIMEOUT, per spec.md §4.E
)

// NewConnectionFunc is invoked after a connection is promoted into the
// registry, per spec.md §4.E's "System handler's handle_new_connection".
// Any error returned tears the connection down immediately.
type NewConnectionFunc func(info *ConnectionInfo) error

// Server is the Server Engine: accept path, per-connection read loop,
// heartbeat watchdog, and push APIs, over either transport.
type Server struct {
	Auth     dispatch.HandlerSet // Login/Logout, used during handshake and post-auth
	Business dispatch.HandlerSet
	System   dispatch.HandlerSet // SetBackground/SetLanguage/Close

	OnNewConnection NewConnectionFunc

	Registry *Registry
	dispatcher *dispatch.Dispatcher
	log      *zap.Logger

	stopCh chan struct{}
}

// New builds a Server. log may be nil (a no-op logger is used).
func New(auth, business, system dispatch.HandlerSet, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		Auth:     auth,
		Business: business,
		System:   system,
		Registry: NewRegistry(),
		log:      log,
		stopCh:   make(chan struct{}),
	}
	s.dispatcher = dispatch.New(auth, business, system)
	return s
}

// StartWatchdog launches the heartbeat watchdog background task, per
// spec.md §4.E. Call once per Server lifetime.
func (s *Server) StartWatchdog() {
	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				for _, info := range s.Registry.EvictStale(connectionTimeout) {
					s.log.Info("evicting stale connection",
						zap.String("conn_id", info.ConnID), zap.String("user_id", info.UserID))
					_ = info.Conn.Close()
				}
			}
		}
	}()
}

// Stop signals the watchdog to exit.
func (s *Server) Stop() { close(s.stopCh) }

// HandleWS upgrades an HTTP request to a WebSocket connection and runs the
// accept path plus the connection's read loop, blocking until it exits.
func (s *Server) HandleWS(upgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, platform schema.Platform) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	conn := ws.New(uuid.NewString(), raw, r.RemoteAddr, platform)
	s.Serve(conn)
}

// HandleQUICConnection runs the accept path for an already-accepted QUIC
// connection, blocking until the resulting connection's read loop exits.
func (s *Server) HandleQUICConnection(ctx context.Context, qconn quicgo.Connection, platform schema.Platform) {
	conn, err := quic.Accept(ctx, uuid.NewString(), qconn, platform)
	if err != nil {
		s.log.Warn("quic accept failed", zap.Error(err))
		return
	}
	s.Serve(conn)
}

// Serve runs the auth handshake and, on success, the per-connection read
// loop for conn. It blocks until the connection is torn down.
func (s *Server) Serve(conn transport.Connection) {
	info, err := s.authHandshake(conn)
	if err != nil {
		s.log.Info("auth handshake failed", zap.String("remote_addr", conn.RemoteAddr()), zap.Error(err))
		resp := schema.ToResponse(err)
		data, _ := schema.EncodeResponse(resp)
		_ = conn.Send(context.Background(), &schema.Message{Command: schema.ServerResponse, Data: data})
		_ = conn.Close()
		return
	}

	s.Registry.Insert(info)
	if s.OnNewConnection != nil {
		if err := s.OnNewConnection(info); err != nil {
			s.log.Warn("new connection handler rejected connection", zap.Error(err))
			s.Registry.Remove(info.ConnID)
			_ = conn.Close()
			return
		}
	}

	s.readLoop(info)
	s.Registry.Remove(info.ConnID)
}

// authHandshake implements spec.md §4.E's Accept path: a 30s deadline
// within which the only meaningful inbound command is LOGIN (PING is
// answered transparently; anything else is ignored until LOGIN or timeout).
func (s *Server) authHandshake(conn transport.Connection) (*ConnectionInfo, error) {
	deadline, cancel := context.WithTimeout(context.Background(), authHandshakeTimeout)
	defer cancel()

	for {
		m, err := conn.Receive(deadline)
		if err != nil {
			if deadline.Err() != nil {
				return nil, schema.ErrAuthTimeout
			}
			return nil, err
		}

		switch m.Command {
		case schema.Ping:
			_ = conn.Send(deadline, &schema.Message{Command: schema.Pong})
			continue
		case schema.Login:
			ctx, err := imctx.NewBuilder(conn.RemoteAddr()).
				Command(schema.Login).
				Payload(m.Data).
				ClientID(m.ClientID).
				ConnID(conn.ID()).
				Build()
			if err != nil {
				return nil, err
			}
			if s.Auth == nil {
				return nil, schema.AuthError("no auth handler configured")
			}
			resp, err := s.Auth.Handle(ctx)
			if err != nil {
				return nil, schema.AuthError(err.Error())
			}
			if resp.Code != schema.Success {
				return nil, schema.AuthError(resp.Message)
			}
			login, err := schema.DecodeLoginResp(resp.Data)
			if err != nil {
				return nil, err
			}
			ackData, _ := schema.EncodeResponse(resp)
			_ = conn.Send(deadline, &schema.Message{Command: schema.ServerResponse, ClientID: m.ClientID, Data: ackData})
			return &ConnectionInfo{
				ConnID:        conn.ID(),
				UserID:        login.UserID,
				Platform:      conn.Platform(),
				ClientID:      m.ClientID,
				RemoteAddr:    conn.RemoteAddr(),
				Protocol:      conn.ProtocolLabel(),
				ConnectedAt:   time.Now(),
				LastHeartbeat: time.Now(),
				Conn:          conn,
			}, nil
		default:
			continue
		}
	}
}

// readLoop implements spec.md §4.E's per-connection read loop.
func (s *Server) readLoop(info *ConnectionInfo) {
	for {
		m, err := info.Conn.Receive(context.Background())
		if err != nil {
			return
		}
		s.Registry.Touch(info.ConnID)

		switch m.Command {
		case schema.Ping:
			_ = info.Conn.Send(context.Background(), &schema.Message{Command: schema.Pong})
			continue
		case schema.Pong:
			continue
		}

		ctx, err := imctx.NewBuilder(info.RemoteAddr).
			Command(m.Command).
			Payload(m.Data).
			UserID(info.UserID).
			Platform(info.Platform).
			ClientID(m.ClientID).
			ConnID(info.ConnID).
			Build()
		if err != nil {
			s.log.Warn("failed to build context", zap.Error(err))
			return
		}

		resp := s.dispatcher.Dispatch(ctx)
		data, _ := schema.EncodeResponse(resp)
		err = info.Conn.Send(context.Background(), &schema.Message{
			Command:  schema.ServerResponse,
			ClientID: m.ClientID,
			Data:     data,
		})
		if err != nil {
			return
		}
		if resp.Code == schema.InternalErrorCode {
			// Handler error: reply sent, per spec.md §4.E terminate the loop
			// rather than keep serving a connection whose handler state may
			// be inconsistent.
			return
		}
	}
}

// SendToUser implements spec.md §4.E's send_to_user push API: best-effort,
// per-connection failures are logged and do not abort the loop.
func (s *Server) SendToUser(userID string, msg *schema.Message) {
	for _, info := range s.Registry.ByUser(userID) {
		if err := info.Conn.Send(context.Background(), msg); err != nil {
			s.log.Warn("send_to_user failed", zap.String("conn_id", info.ConnID), zap.Error(err))
		}
	}
}

// Broadcast implements spec.md §4.E's broadcast push API.
func (s *Server) Broadcast(msg *schema.Message) {
	for _, info := range s.Registry.All() {
		if err := info.Conn.Send(context.Background(), msg); err != nil {
			s.log.Warn("broadcast failed", zap.String("conn_id", info.ConnID), zap.Error(err))
		}
	}
}

// SendResponse implements spec.md §4.E's send_response push API: wraps
// response into a SERVER_RESPONSE echoing clientMsgID for correlation.
func (s *Server) SendResponse(connID, clientMsgID string, response *schema.Response) error {
	info, ok := s.Registry.Get(connID)
	if !ok {
		return schema.ErrConnectionNotFound
	}
	data, err := schema.EncodeResponse(response)
	if err != nil {
		return schema.ErrEncode(err)
	}
	return info.Conn.Send(context.Background(), &schema.Message{
		Command:  schema.ServerResponse,
		ClientID: clientMsgID,
		Data:     data,
	})
}

// ServeQUICListener accepts connections from ln until ctx is done or the
// listener errs, per spec.md §4.E's dual-transport server: listener failure
// is logged and does not affect the WS side.
func (s *Server) ServeQUICListener(ctx context.Context, ln *quicgo.Listener, platform schema.Platform) {
	for {
		qconn, err := ln.Accept(ctx)
		if err != nil {
			s.log.Warn("quic listener accept failed", zap.Error(err))
			return
		}
		go s.HandleQUICConnection(ctx, qconn, platform)
	}
}

// ServeWSListener wraps a net.Listener with an HTTP server that upgrades
// every request to WebSocket, per spec.md §4.E's dual-transport server.
func (s *Server) ServeWSListener(ln net.Listener, upgrader websocket.Upgrader, platform schema.Platform) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.HandleWS(upgrader, w, r, platform)
	})
	return http.Serve(ln, mux)
}
