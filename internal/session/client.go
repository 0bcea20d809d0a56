// Package session implements the device side of the approval channel: one
// WebSocket connection to the relay with explicit lifecycle states,
// typed envelope delivery and bounded reconnection.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfounders/clubwallet/internal/logging"
	"github.com/wfounders/clubwallet/internal/protocol"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultDialTimeout    = 15 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

// ErrClientClosed is returned by Open after Close.
var ErrClientClosed = errors.New("session client closed")

// State is the connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosedByPeer
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedByPeer:
		return "closed_by_peer"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler receives decoded envelopes.
type Handler func(protocol.Event)

// Options configures a Client.
type Options struct {
	URL       string
	Header    http.Header
	Dialer    *websocket.Dialer
	Reconnect ReconnectPolicy
	Logger    *logging.Logger

	WriteWait   time.Duration
	PongWait    time.Duration
	DialTimeout time.Duration
}

// Client owns a single relay connection. It must not be shared between
// state machines.
type Client struct {
	opts   Options
	logger *logging.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	connDone   chan struct{}
	closed     bool
	retrying   bool
	handlers   []Handler
	openHooks  []func()
	stateHooks []func(State)

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client in StateClosed. Nothing is dialed until Open.
func NewClient(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		logger: logger.With(map[string]interface{}{"relay_url": opts.URL}),
		state:  StateClosed,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers h for every decoded envelope. Handlers run on the
// read goroutine in arrival order.
func (c *Client) Subscribe(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnOpen registers f to run after every successful connect, including
// reconnects.
func (c *Client) OnOpen(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openHooks = append(c.openHooks, f)
}

// OnStateChange registers f to observe lifecycle transitions.
func (c *Client) OnStateChange(f func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHooks = append(c.stateHooks, f)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the relay. It is a no-op if the client is already open,
// connecting or inside its reconnection loop.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateOpen || c.state == StateConnecting || c.retrying {
		c.mu.Unlock()
		return nil
	}
	// Claim the dial before unlocking so a concurrent Open backs off.
	c.state = StateConnecting
	hooks := append([]func(State){}, c.stateHooks...)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(StateConnecting)
	}

	if err := c.dial(ctx); err != nil {
		c.setState(StateClosed)
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, resp, err := c.opts.Dialer.DialContext(dialCtx, c.opts.URL, c.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(StateClosed)
		return ErrClientClosed
	}
	done := make(chan struct{})
	c.conn = conn
	c.connDone = done
	hooks := append([]func(){}, c.openHooks...)
	c.mu.Unlock()

	c.setState(StateOpen)
	c.logger.Info("Session channel open", nil)

	go c.pingLoop(conn, done)
	go c.readLoop(conn, done)

	for _, hook := range hooks {
		hook()
	}
	return nil
}

// Send encodes ev and writes it if, and only if, the channel is open.
// Otherwise the envelope is dropped and Send returns false.
func (c *Client) Send(ev protocol.Event) bool {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		c.logger.Debug("Dropping envelope, channel not open", map[string]interface{}{
			"event": string(ev.EventName()),
			"state": state.String(),
		})
		return false
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		c.logger.Error("Failed to encode envelope", err, nil)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("Failed to write envelope", map[string]interface{}{
			"event": string(ev.EventName()),
			"error": err.Error(),
		})
		return false
	}
	return true
}

// Close closes the connection for good. Reconnection stops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.cancel()
	c.mu.Unlock()

	c.setState(StateClosed)

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteWait))
	c.writeMu.Unlock()

	return conn.Close()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	hooks := append([]func(State){}, c.stateHooks...)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(s)
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadLimit(defaultMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		ev, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable envelope", map[string]interface{}{
				"error":   err.Error(),
				"payload": truncate(string(data), 256),
			})
			continue
		}
		c.dispatch(ev)
	}

	close(done)
	c.disconnected(conn, readErr)
}

func (c *Client) dispatch(ev protocol.Event) {
	c.mu.Lock()
	handlers := append([]Handler{}, c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) disconnected(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Close already detached this connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()

	if closed {
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Error("Session channel lost", err, nil)
	} else {
		c.logger.Warn("Session channel closed by relay", map[string]interface{}{
			"error": fmt.Sprint(err),
		})
	}
	c.setState(StateClosedByPeer)

	if c.opts.Reconnect.MaxAttempts > 0 {
		c.mu.Lock()
		c.retrying = true
		c.mu.Unlock()
		go c.reconnect()
	}
}

func (c *Client) reconnect() {
	policy := c.opts.Reconnect
	defer func() {
		c.mu.Lock()
		c.retrying = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(policy.Delay(attempt)):
		}

		c.logger.Info(fmt.Sprintf("Reconnecting (attempt %d/%d)", attempt, policy.MaxAttempts), nil)

		err := c.dial(c.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClientClosed) || c.ctx.Err() != nil {
			return
		}
		c.logger.Warn(fmt.Sprintf("Reconnect failed (attempt %d/%d)", attempt, policy.MaxAttempts), map[string]interface{}{
			"error": err.Error(),
		})
		c.setState(StateClosedByPeer)
	}

	c.logger.Error("Giving up on session channel", fmt.Errorf("reconnect failed after %d attempts", policy.MaxAttempts), nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
