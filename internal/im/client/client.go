// Package client is the Client Engine: connects, authenticates, heartbeats,
// reconnects, and exposes send/send-wait plus a receive loop that dispatches
// server pushes to caller-supplied handler sets.
//
// Grounded on the teacher's internal/rpc.WRPClient (internal/rpc/wrp_client.go)
// for the request/await-reply shape, generalized from one-shot HTTP POST to a
// long-lived bidirectional transport with its own reconnect and keepalive
// loops; the state machine and protocol-selection race are new surface named
// by the messaging spec this engine implements.
package client

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flare152/flare/internal/dispatch"
	"github.com/flare152/flare/internal/imctx"
	"github.com/flare152/flare/internal/schema"
	"github.com/flare152/flare/internal/transport"
	"github.com/flare152/flare/internal/transport/quic"
	"github.com/flare152/flare/internal/transport/ws"
)

// Protocol selects which transport(s) Connect uses.
type Protocol int

const (
	ProtoWS Protocol = iota
	ProtoQUIC
	ProtoAuto
)

// State is the client engine's connection lifecycle, per spec.md §3's
// ClientState: Disconnected -> Connecting -> Connected -> Authenticating ->
// Authenticated; from Connected/Authenticated, Reconnecting{attempt} loops
// back through Connecting or gives up to Disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds everything Connect needs to pick a transport, authenticate,
// and run the keepalive/reconnect loops.
type Config struct {
	WSURL    string
	QUICAddr string
	TLSConfig *tls.Config
	Protocol Protocol

	UserID   string
	Token    string
	Platform schema.Platform

	PingInterval      time.Duration
	PongTimeout       time.Duration
	SendBuffer        int
	MaxReconnect      int
	ReconnectInterval time.Duration
	AuthTimeout       time.Duration
}

// withDefaults fills zero-valued Config fields, mirroring the teacher's
// Config.Default() pattern (internal/config/config.go).
func (c Config) withDefaults() Config {
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 100
	}
	if c.MaxReconnect == 0 {
		c.MaxReconnect = 5
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
	return c
}

// Client is the engine instance. Zero value is not usable; build with New.
type Client struct {
	cfg        Config
	business   dispatch.HandlerSet
	system     dispatch.HandlerSet
	onResponse func(*schema.Response)
	log        *zap.Logger

	mu    sync.Mutex
	conn  transport.Connection
	state State

	sendCh chan *schema.Message

	waitersMu sync.Mutex
	waiters   map[string]chan *schema.Response

	lastPongMu sync.Mutex
	lastPong   time.Time

	running      atomic.Bool
	reconnecting atomic.Bool
	stopCh       chan struct{}
	closeOnce    sync.Once
}

// New builds a Client. business and system may be nil if the caller never
// expects pushes/system commands (a pure send_wait client, for example).
func New(cfg Config, business, system dispatch.HandlerSet, log *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		business: business,
		system:   system,
		log:      log,
		sendCh:   make(chan *schema.Message, cfg.SendBuffer),
		waiters:  make(map[string]chan *schema.Response),
		stopCh:   make(chan struct{}),
	}
}

// SetOnResponse installs a callback invoked for every SERVER_RESPONSE,
// regardless of whether a send_wait caller is also waiting on it.
func (c *Client) SetOnResponse(fn func(*schema.Response)) { c.onResponse = fn }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) getConn() transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn transport.Connection) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Connect performs transport connect, then auth, then spawns the receive
// and keepalive loops. Returns on Authenticated or error, per spec.md §4.D.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.connectOnce(ctx); err != nil {
		return err
	}
	c.running.Store(true)
	go c.receiveLoop()
	go c.keepaliveLoop()
	go c.senderLoop()
	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.setConn(conn)
	c.setState(StateConnected)
	c.touchPong()

	if err := c.authenticate(ctx, conn); err != nil {
		_ = conn.Close()
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateAuthenticated)
	return nil
}

type dialResult struct {
	conn transport.Connection
	err  error
}

func (c *Client) dial(ctx context.Context) (transport.Connection, error) {
	switch c.cfg.Protocol {
	case ProtoWS:
		return ws.Dial(ctx, c.cfg.WSURL, c.cfg.Platform, nil)
	case ProtoQUIC:
		return quic.Dial(ctx, uuid.NewString(), c.cfg.QUICAddr, c.cfg.TLSConfig, c.cfg.Platform)
	default:
		return c.dialAuto(ctx)
	}
}

// dialAuto races WebSocket and QUIC. If WebSocket resolves first, QUIC is
// given up to 1s to also resolve and win; otherwise WebSocket is used. If
// QUIC resolves first, it's taken immediately, per spec.md §4.D.
func (c *Client) dialAuto(ctx context.Context) (transport.Connection, error) {
	wsCh := make(chan dialResult, 1)
	quicCh := make(chan dialResult, 1)

	go func() {
		conn, err := ws.Dial(ctx, c.cfg.WSURL, c.cfg.Platform, nil)
		wsCh <- dialResult{conn, err}
	}()
	go func() {
		conn, err := quic.Dial(ctx, uuid.NewString(), c.cfg.QUICAddr, c.cfg.TLSConfig, c.cfg.Platform)
		quicCh <- dialResult{conn, err}
	}()

	select {
	case r := <-wsCh:
		if r.err != nil {
			return c.awaitAlone(ctx, quicCh)
		}
		select {
		case rq := <-quicCh:
			if rq.err == nil {
				_ = r.conn.Close()
				return rq.conn, nil
			}
			return r.conn, nil
		case <-time.After(1 * time.Second):
			return r.conn, nil
		}
	case rq := <-quicCh:
		if rq.err != nil {
			return c.awaitAlone(ctx, wsCh)
		}
		return rq.conn, nil
	case <-ctx.Done():
		return nil, schema.ConnectionError(ctx.Err().Error())
	}
}

func (c *Client) awaitAlone(ctx context.Context, ch chan dialResult) (transport.Connection, error) {
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, schema.ConnectionError(ctx.Err().Error())
	}
}

// authenticate sends a LOGIN message and awaits the SERVER_RESPONSE reply,
// the await-reply variant of spec.md §4.D's Auth section: connect() only
// returns Authenticated once the server has confirmed the login, so a
// caller's first send_wait never races an unconfirmed session.
func (c *Client) authenticate(ctx context.Context, conn transport.Connection) error {
	if c.cfg.Token == "" {
		return schema.ErrUnauthorized
	}
	c.setState(StateAuthenticating)

	clientID := uuid.NewString()
	payload, err := schema.EncodeLoginReq(&schema.LoginReq{
		UserID:   c.cfg.UserID,
		Platform: c.cfg.Platform,
		ClientID: clientID,
		Token:    c.cfg.Token,
	})
	if err != nil {
		return schema.ErrEncode(err)
	}
	if err := conn.Send(ctx, &schema.Message{Command: schema.Login, Data: payload, ClientID: clientID}); err != nil {
		return err
	}

	authCtx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()
	for {
		m, err := conn.Receive(authCtx)
		if err != nil {
			return err
		}
		if m.Command != schema.ServerResponse || m.ClientID != clientID {
			continue
		}
		resp, err := schema.DecodeResponse(m.Data)
		if err != nil {
			return err
		}
		if resp.Code != schema.Success {
			return schema.AuthError(resp.Message)
		}
		login, err := schema.DecodeLoginResp(resp.Data)
		if err != nil {
			return err
		}
		_ = login
		return nil
	}
}

// Send enqueues msg on the internal bounded send channel, failing if the
// engine has been shut down or the buffer is full.
func (c *Client) Send(msg *schema.Message) error {
	if !c.running.Load() {
		return schema.ErrConnectionClosed
	}
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return schema.New(schema.KindResourceError, "send buffer full")
	}
}

// SendWait sends msg and waits indefinitely for a matching SERVER_RESPONSE.
// It returns schema.ErrConnectionClosed if Close drops the waiter first.
func (c *Client) SendWait(ctx context.Context, msg *schema.Message) (*schema.Response, error) {
	return c.sendWait(ctx, msg, 0)
}

// SendWaitTimeout sends msg and waits up to d for a matching SERVER_RESPONSE.
func (c *Client) SendWaitTimeout(msg *schema.Message, d time.Duration) (*schema.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.sendWait(ctx, msg, d)
}

func (c *Client) sendWait(ctx context.Context, msg *schema.Message, d time.Duration) (*schema.Response, error) {
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	waitCh := make(chan *schema.Response, 1)
	c.waitersMu.Lock()
	c.waiters[msg.ClientID] = waitCh
	c.waitersMu.Unlock()

	if err := c.Send(msg); err != nil {
		c.removeWaiter(msg.ClientID)
		return nil, err
	}

	select {
	case resp, ok := <-waitCh:
		if !ok {
			return nil, schema.ErrConnectionClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.removeWaiter(msg.ClientID)
		return nil, schema.ErrTimeout
	}
}

func (c *Client) removeWaiter(clientID string) {
	c.waitersMu.Lock()
	delete(c.waiters, clientID)
	c.waitersMu.Unlock()
}

// Close shuts the engine down: stops the loops, closes the transport, and
// drops all pending waiters.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.running.Store(false)
		close(c.stopCh)
		if conn := c.getConn(); conn != nil {
			err = conn.Close()
		}
		c.waitersMu.Lock()
		for id, ch := range c.waiters {
			close(ch)
			delete(c.waiters, id)
		}
		c.waitersMu.Unlock()
		c.setState(StateDisconnected)
	})
	return err
}

// WaitReady polls every 100ms until the engine is connected or d elapses.
func (c *Client) WaitReady(d time.Duration) error {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.isConnected() {
			return nil
		}
		if time.Now().After(deadline) {
			return schema.ErrTimeout
		}
		<-ticker.C
	}
}

func (c *Client) isConnected() bool {
	s := c.State()
	if s != StateConnected && s != StateAuthenticated {
		return false
	}
	if time.Since(c.getLastPong()) > c.cfg.PongTimeout {
		return false
	}
	conn := c.getConn()
	if conn == nil {
		return false
	}
	return conn.IsActive(c.cfg.PongTimeout)
}

func (c *Client) touchPong() {
	c.lastPongMu.Lock()
	c.lastPong = time.Now()
	c.lastPongMu.Unlock()
}

func (c *Client) getLastPong() time.Time {
	c.lastPongMu.Lock()
	defer c.lastPongMu.Unlock()
	return c.lastPong
}

// receiveLoop reads messages sequentially and routes them per spec.md §4.D's
// Receive loop table.
func (c *Client) receiveLoop() {
	for {
		conn := c.getConn()
		if conn == nil || !c.running.Load() {
			return
		}
		m, err := conn.Receive(context.Background())
		if err != nil {
			c.log.Debug("receive loop exiting", zap.Error(err))
			go c.triggerReconnect()
			return
		}
		c.handleInbound(conn, m)
	}
}

func (c *Client) handleInbound(conn transport.Connection, m *schema.Message) {
	switch m.Command {
	case schema.Pong:
		c.touchPong()
	case schema.Ping:
		_ = conn.Send(context.Background(), &schema.Message{Command: schema.Pong})
	case schema.ServerResponse:
		resp, err := schema.DecodeResponse(m.Data)
		if err != nil {
			c.log.Warn("discarding malformed server response", zap.Error(err))
			return
		}
		if ch := c.takeWaiter(m.ClientID); ch != nil {
			ch <- resp
			close(ch)
		}
		if c.onResponse != nil {
			c.onResponse(resp)
		}
	case schema.PushMsg, schema.PushCustom, schema.PushNotice, schema.PushData, schema.ServerAck:
		c.routeTo(c.business, conn, m)
	case schema.Logout, schema.SetBackground, schema.SetLanguage, schema.Kick, schema.Close:
		c.routeTo(c.system, conn, m)
	default:
		c.log.Debug("unroutable inbound command", zap.Uint16("command", uint16(m.Command)))
	}
}

func (c *Client) routeTo(set dispatch.HandlerSet, conn transport.Connection, m *schema.Message) {
	if set == nil {
		return
	}
	ctx, err := imctx.NewBuilder(conn.RemoteAddr()).
		Command(m.Command).
		Payload(m.Data).
		ClientID(m.ClientID).
		ConnID(conn.ID()).
		Build()
	if err != nil {
		c.log.Warn("failed to build context for inbound push", zap.Error(err))
		return
	}
	if _, err := set.Handle(ctx); err != nil {
		c.log.Warn("handler error on inbound push", zap.Error(err))
	}
}

func (c *Client) takeWaiter(clientID string) chan *schema.Response {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	ch, ok := c.waiters[clientID]
	if !ok {
		return nil
	}
	delete(c.waiters, clientID)
	return ch
}

// keepaliveLoop ticks at PingInterval, triggering reconnect when the link
// has gone stale, per spec.md §4.D's Keepalive section.
func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if time.Since(c.getLastPong()) > c.cfg.PongTimeout {
				go c.triggerReconnect()
				continue
			}
			conn := c.getConn()
			if conn == nil {
				continue
			}
			_ = conn.Send(context.Background(), &schema.Message{Command: schema.Ping})
		}
	}
}

// senderLoop drains sendCh in small batches (up to 32 messages or 10ms) to
// amortize per-write overhead, per spec.md §4.D's Sender coalescing section.
func (c *Client) senderLoop() {
	const batchSize = 32
	const batchWindow = 10 * time.Millisecond
	ticker := time.NewTicker(batchWindow)
	defer ticker.Stop()

	var batch []*schema.Message
	flush := func() {
		if len(batch) == 0 {
			return
		}
		conn := c.getConn()
		if conn == nil {
			batch = batch[:0]
			return
		}
		for _, m := range batch {
			if err := conn.Send(context.Background(), m); err != nil {
				c.log.Warn("batch flush failed, dropping buffer", zap.Error(err))
				go c.triggerReconnect()
				batch = batch[:0]
				return
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-c.stopCh:
			return
		case m := <-c.sendCh:
			batch = append(batch, m)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// triggerReconnect runs the bounded retry loop. Idempotent: concurrent
// callers observe a single in-flight reconnect, per spec.md §4.D.
func (c *Client) triggerReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)
	if !c.running.Load() {
		return
	}
	c.setState(StateReconnecting)

	for attempt := 1; attempt <= c.cfg.MaxReconnect; attempt++ {
		if !c.running.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AuthTimeout+5*time.Second)
		err := c.connectOnce(ctx)
		cancel()
		if err == nil {
			c.log.Info("reconnected", zap.Int("attempt", attempt))
			return
		}
		c.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(c.cfg.ReconnectInterval)
	}
	c.setState(StateDisconnected)
	c.log.Error("giving up reconnecting", zap.Int("max_attempts", c.cfg.MaxReconnect))
}

// Reconnect is the public, explicit variant of the same bounded retry loop
// triggerReconnect runs automatically from keepalive/receive-loop failures.
func (c *Client) Reconnect() { c.triggerReconnect() }
