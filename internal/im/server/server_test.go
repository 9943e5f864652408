package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare152/flare/internal/dispatch"
	"github.com/flare152/flare/internal/imctx"
	"github.com/flare152/flare/internal/schema"
	"github.com/flare152/flare/internal/transport"
)

// scriptedConn is a transport.Connection test double that replays a fixed
// inbound message script and records every outbound Send.
type scriptedConn struct {
	mu      sync.Mutex
	inbox   []*schema.Message
	sent    []*schema.Message
	closed  bool
	id      string
}

func newScriptedConn(id string, msgs ...*schema.Message) *scriptedConn {
	return &scriptedConn{id: id, inbox: msgs}
}

func (c *scriptedConn) ID() string                { return c.id }
func (c *scriptedConn) RemoteAddr() string        { return "10.0.0.1:1234" }
func (c *scriptedConn) Platform() schema.Platform { return schema.PlatformWeb }
func (c *scriptedConn) ProtocolLabel() string     { return "test" }

func (c *scriptedConn) Send(ctx context.Context, m *schema.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}

func (c *scriptedConn) Receive(ctx context.Context) (*schema.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return nil, schema.ErrConnectionClosed
	}
	m := c.inbox[0]
	c.inbox = c.inbox[1:]
	return m, nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConn) IsActive(timeout time.Duration) bool { return true }
func (c *scriptedConn) State() transport.State               { return transport.StateConnected }

var _ transport.Connection = (*scriptedConn)(nil)

func loginMessage(t *testing.T, userID, clientID string) *schema.Message {
	t.Helper()
	payload, err := schema.EncodeLoginReq(&schema.LoginReq{UserID: userID, ClientID: clientID, Token: "tok"})
	require.NoError(t, err)
	return &schema.Message{Command: schema.Login, ClientID: clientID, Data: payload}
}

func successAuthHandler() dispatch.HandlerSet {
	return &dispatch.CommandSet{
		Commands: dispatch.ServerAuthCommands,
		Handler: func(ctx *imctx.Context) (*schema.Response, error) {
			req, err := decodeLogin(ctx)
			if err != nil {
				return nil, err
			}
			data, _ := schema.EncodeLoginResp(&schema.LoginResp{UserID: req.UserID, Language: "en"})
			return &schema.Response{Code: schema.Success, Data: data}, nil
		},
	}
}

func decodeLogin(ctx *imctx.Context) (*schema.LoginReq, error) {
	var req schema.LoginReq
	if err := ctx.DecodeStruct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func TestAuthHandshakeSuccessPromotesConnection(t *testing.T) {
	s := New(successAuthHandler(), nil, nil, nil)
	conn := newScriptedConn("conn-1", loginMessage(t, "user-1", "clientA"))

	info, err := s.authHandshake(conn)
	require.NoError(t, err)
	assert.Equal(t, "user-1", info.UserID)
	assert.Equal(t, "conn-1", info.ConnID)
}

func TestAuthHandshakeAnswersPingWhileWaiting(t *testing.T) {
	s := New(successAuthHandler(), nil, nil, nil)
	conn := newScriptedConn("conn-1", &schema.Message{Command: schema.Ping}, loginMessage(t, "user-1", "clientA"))

	info, err := s.authHandshake(conn)
	require.NoError(t, err)
	assert.Equal(t, "user-1", info.UserID)
	require.Len(t, conn.sent, 2) // PONG + login ack
	assert.Equal(t, schema.Pong, conn.sent[0].Command)
}

func TestAuthHandshakeFailsWithoutAuthHandler(t *testing.T) {
	s := New(nil, nil, nil, nil)
	conn := newScriptedConn("conn-1", loginMessage(t, "user-1", "clientA"))
	_, err := s.authHandshake(conn)
	require.Error(t, err)
}

func TestServeRunsReadLoopAndRemovesOnExit(t *testing.T) {
	business := &dispatch.CommandSet{
		Commands: dispatch.BusinessCommands,
		Handler: func(ctx *imctx.Context) (*schema.Response, error) {
			return &schema.Response{Code: schema.Success, Message: "ok"}, nil
		},
	}
	s := New(successAuthHandler(), business, nil, nil)
	conn := newScriptedConn("conn-1",
		loginMessage(t, "user-1", "clientA"),
		&schema.Message{Command: schema.SendMessage, ClientID: "req-1"},
	)

	s.Serve(conn)

	_, ok := s.Registry.Get("conn-1")
	assert.False(t, ok)

	require.Len(t, conn.sent, 2) // login ack + one SERVER_RESPONSE
	last := conn.sent[len(conn.sent)-1]
	assert.Equal(t, schema.ServerResponse, last.Command)
	assert.Equal(t, "req-1", last.ClientID)
}

func TestReadLoopTerminatesAfterHandlerError(t *testing.T) {
	business := &dispatch.CommandSet{
		Commands: dispatch.BusinessCommands,
		Handler: func(ctx *imctx.Context) (*schema.Response, error) {
			return nil, errors.New("boom")
		},
	}
	s := New(successAuthHandler(), business, nil, nil)
	conn := newScriptedConn("conn-1",
		loginMessage(t, "user-1", "clientA"),
		&schema.Message{Command: schema.SendMessage, ClientID: "req-1"},
		&schema.Message{Command: schema.SendMessage, ClientID: "req-2"},
	)

	s.Serve(conn)

	_, ok := s.Registry.Get("conn-1")
	assert.False(t, ok)

	require.Len(t, conn.sent, 2) // login ack + the one InternalError response
	last := conn.sent[len(conn.sent)-1]
	assert.Equal(t, schema.ServerResponse, last.Command)
	assert.Equal(t, "req-1", last.ClientID)

	resp, err := schema.DecodeResponse(last.Data)
	require.NoError(t, err)
	assert.Equal(t, schema.InternalErrorCode, resp.Code)
}

func TestSendToUserBestEffort(t *testing.T) {
	s := New(nil, nil, nil, nil)
	c1 := newScriptedConn("c1")
	c2 := newScriptedConn("c2")
	s.Registry.Insert(&ConnectionInfo{ConnID: "c1", UserID: "u1", Conn: c1, LastHeartbeat: time.Now()})
	s.Registry.Insert(&ConnectionInfo{ConnID: "c2", UserID: "u1", Conn: c2, LastHeartbeat: time.Now()})

	s.SendToUser("u1", &schema.Message{Command: schema.PushMsg})
	assert.Len(t, c1.sent, 1)
	assert.Len(t, c2.sent, 1)
}
