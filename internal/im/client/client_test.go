package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare152/flare/internal/schema"
	"github.com/flare152/flare/internal/transport"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.PongTimeout)
	assert.Equal(t, 100, cfg.SendBuffer)
	assert.Equal(t, 5, cfg.MaxReconnect)
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	c := New(Config{Token: ""}, nil, nil, nil)
	err := c.authenticate(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrUnauthorized, err)
}

func TestSendFailsWhenNotRunning(t *testing.T) {
	c := New(Config{Token: "t"}, nil, nil, nil)
	err := c.Send(&schema.Message{Command: schema.SendMessage})
	require.Error(t, err)
}

func TestSendWaitTimeoutRemovesWaiterOnExpiry(t *testing.T) {
	c := New(Config{Token: "t"}, nil, nil, nil)
	c.running.Store(true)
	_, err := c.SendWaitTimeout(&schema.Message{Command: schema.Request, ClientID: "id-1"}, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, schema.ErrTimeout, err)

	c.waitersMu.Lock()
	_, ok := c.waiters["id-1"]
	c.waitersMu.Unlock()
	assert.False(t, ok)
}

func TestHandleInboundDeliversWaiter(t *testing.T) {
	c := New(Config{Token: "t"}, nil, nil, nil)
	waitCh := make(chan *schema.Response, 1)
	c.waitersMu.Lock()
	c.waiters["req-1"] = waitCh
	c.waitersMu.Unlock()

	resp := &schema.Response{Code: schema.Success, Message: "ok"}
	data, err := schema.EncodeResponse(resp)
	require.NoError(t, err)

	c.handleInbound(&fakeConn{}, &schema.Message{Command: schema.ServerResponse, ClientID: "req-1", Data: data})

	select {
	case got := <-waitCh:
		assert.Equal(t, schema.Success, got.Code)
	default:
		t.Fatal("expected waiter to be delivered")
	}
}

func TestHandleInboundUpdatesLastPong(t *testing.T) {
	c := New(Config{Token: "t"}, nil, nil, nil)
	before := c.getLastPong()
	time.Sleep(time.Millisecond)
	c.handleInbound(&fakeConn{}, &schema.Message{Command: schema.Pong})
	assert.True(t, c.getLastPong().After(before))
}

// fakeConn is a minimal transport.Connection stub for dispatch-path tests
// that never exercise actual I/O.
type fakeConn struct{}

func (f *fakeConn) ID() string                { return "fake" }
func (f *fakeConn) RemoteAddr() string        { return "fake-addr" }
func (f *fakeConn) Platform() schema.Platform { return schema.PlatformServer }
func (f *fakeConn) ProtocolLabel() string     { return "fake" }
func (f *fakeConn) Send(ctx context.Context, m *schema.Message) error { return nil }
func (f *fakeConn) Receive(ctx context.Context) (*schema.Message, error) {
	return nil, schema.ErrConnectionClosed
}
func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) IsActive(timeout time.Duration) bool { return true }
func (f *fakeConn) State() transport.State              { return transport.StateConnected }
