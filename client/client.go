// Package client implements the SchemaWire task protocol over a single
// persistent WebSocket connection. Any number of requests may be in flight
// concurrently; inbound frames are correlated back to their callers by
// request id, and connection loss is repaired with exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/schemawire/schemawire/api/task"
	"github.com/schemawire/schemawire/core/logx"
)

var (
	// ErrNotConnected is returned by Send when no connection is up.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectTimeout is returned when waiting on an in-flight connect
	// attempt exceeds the configured bound.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrClosed is returned after Close; a closed client cannot reconnect.
	ErrClosed = errors.New("client closed")
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client owns one WebSocket connection and the request correlation state on
// top of it. Construct one per application with New and share it by
// reference; there is deliberately no package-level instance.
type Client struct {
	cfg Config
	log zerolog.Logger

	// sleep is the delay primitive used between reconnect attempts.
	// Tests swap it to run backoff deterministically.
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	state       ConnState
	closed      bool
	conn        *websocket.Conn
	connCtx     context.Context
	connCancel  context.CancelFunc
	sendCh      chan []byte
	connDone    chan struct{} // closed when the in-flight attempt settles
	connErr     error
	clientID    string // server-assigned, diagnostics only
	pending     map[string]Callbacks
	subs        map[string]map[int]Handler
	nextSub     int
	retryCancel context.CancelFunc
}

// New creates a client for the given configuration. No connection is opened
// until Connect or the first request.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		log:     logx.Log.With().Str("component", "client").Str("client_name", cfg.ClientName).Logger(),
		sleep:   sleepCtx,
		pending: map[string]Callbacks{},
		subs:    map[string]map[int]Handler{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a connection is currently up.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// ClientID returns the identifier the server assigned on the last
// connection frame, or empty if none was received yet.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Connect opens the WebSocket connection. It is idempotent: when already
// connected it returns immediately, and when an attempt is already in
// flight the caller waits for that attempt (bounded by ConnectWait) instead
// of opening a second socket. A successful Connect supersedes any scheduled
// reconnect retry.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting:
		done := c.connDone
		c.mu.Unlock()
		return c.awaitAttempt(ctx, done)
	}
	c.state = Connecting
	done := make(chan struct{})
	c.connDone = done
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.dialTimeout())
	conn, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, nil)
	cancel()

	c.mu.Lock()
	c.connErr = err
	if err != nil {
		c.state = Disconnected
		close(done)
		c.mu.Unlock()
		c.log.Error().Str("server", c.cfg.ServerURL).Err(err).Msg("dial failed")
		return err
	}
	if c.closed {
		c.state = Disconnected
		close(done)
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	c.conn = conn
	c.state = Connected
	c.connCtx, c.connCancel = context.WithCancel(context.Background())
	c.sendCh = make(chan []byte, 16)
	if c.retryCancel != nil {
		c.retryCancel()
		c.retryCancel = nil
	}
	connCtx, cancelConn, sendCh := c.connCtx, c.connCancel, c.sendCh
	close(done)
	c.mu.Unlock()

	connectionsTotal.Inc()
	setConnected(true)
	c.log.Info().Str("server", c.cfg.ServerURL).Msg("connected")
	go c.writeLoop(connCtx, cancelConn, conn, sendCh)
	go c.readLoop(connCtx, conn)
	return nil
}

// awaitAttempt waits for an in-flight connect attempt started by another
// caller, bounded by ConnectWait.
func (c *Client) awaitAttempt(ctx context.Context, done chan struct{}) error {
	t := time.NewTimer(c.cfg.connectWait())
	defer t.Stop()
	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == Connected {
			return nil
		}
		if c.connErr != nil {
			return c.connErr
		}
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return ErrConnectTimeout
	}
}

// Close shuts the connection down and prevents further use. Pending
// correlation entries are not failed; in-flight callers observe their own
// context deadlines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = Disconnected
	conn := c.conn
	c.conn = nil
	cancel := c.connCancel
	c.connCancel = nil
	retryCancel := c.retryCancel
	c.retryCancel = nil
	c.mu.Unlock()

	if retryCancel != nil {
		retryCancel()
	}
	if cancel != nil {
		cancel()
	}
	setConnected(false)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

// Send writes one frame. It fails with ErrNotConnected when no connection
// is up; callers that want lazy connection should use SendRequest or Do,
// which connect first.
func (c *Client) Send(ctx context.Context, f task.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sendCh, connCtx := c.sendCh, c.connCtx
	c.mu.Unlock()

	select {
	case sendCh <- b:
		framesSent.WithLabelValues(f.Type).Inc()
		return nil
	case <-connCtx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues a frame without blocking. Used for best-effort traffic
// such as cancel notices.
func (c *Client) trySend(f task.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	sendCh := c.sendCh
	c.mu.Unlock()
	select {
	case sendCh <- b:
		framesSent.WithLabelValues(f.Type).Inc()
	default:
	}
}

// writeLoop drains sendCh onto the socket. A write failure cancels the
// connection context so blocked senders fail fast instead of waiting out
// their own deadlines on a half-open socket.
func (c *Client) writeLoop(connCtx context.Context, cancelConn context.CancelFunc, conn *websocket.Conn, sendCh <-chan []byte) {
	defer cancelConn()
	for {
		select {
		case msg := <-sendCh:
			if err := conn.Write(connCtx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-connCtx.Done():
			return
		}
	}
}

func (c *Client) readLoop(connCtx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		var f task.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("malformed frame dropped")
			framesDropped.Inc()
			continue
		}
		framesReceived.WithLabelValues(f.Type).Inc()
		c.dispatch(f)
	}
}

// handleDisconnect transitions to Disconnected after a read failure and,
// when enabled, kicks off the reconnect loop. Pending correlation entries
// stay registered: the transport does not time out its callers.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	cancel := c.connCancel
	c.connCancel = nil
	closed := c.closed
	var retryCtx context.Context
	if c.cfg.Reconnect && !closed {
		if c.retryCancel != nil {
			c.retryCancel()
		}
		retryCtx, c.retryCancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	setConnected(false)
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		lvl := c.log.Info()
		if ce.Code != websocket.StatusNormalClosure {
			lvl = c.log.Error()
		}
		lvl.Str("reason", ce.Reason).Msg("server connection closed")
	} else if !closed {
		c.log.Error().Err(err).Msg("server read error")
	}
	if retryCtx != nil {
		go c.retryLoop(retryCtx)
	}
}

// retryLoop reconnects with exponential backoff until it succeeds, the
// policy's attempt cap is reached, or an application Connect supersedes it.
func (c *Client) retryLoop(ctx context.Context) {
	policy := c.cfg.backoff()
	for attempt := 1; ; attempt++ {
		delay, ok := policy.Next(attempt)
		if !ok {
			c.log.Warn().Int("attempts", attempt-1).Msg("reconnect attempts exhausted; explicit Connect required")
			return
		}
		c.log.Warn().Dur("backoff", delay).Int("attempt", attempt).Msg("connection lost; retrying")
		if err := c.sleep(ctx, delay); err != nil {
			return
		}
		reconnectsTotal.Inc()
		err := c.Connect(ctx)
		if err == nil || errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return
		}
	}
}
