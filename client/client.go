// Package client implements the messaging SDK: one persistent websocket
// session per authenticated user, with correlated commands, push-event
// subscriptions, presence tracking, and live conversation/thread controllers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatbridge/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateAuthFailed   State = "auth_failed"
)

// ConnEventKind tags connection notifications sent to subscribers.
type ConnEventKind string

const (
	ConnConnected       ConnEventKind = "connected"
	ConnDisconnected    ConnEventKind = "disconnected"
	ConnReconnected     ConnEventKind = "reconnected"
	ConnReconnectFailed ConnEventKind = "reconnect_failed"
	ConnAuthError       ConnEventKind = "auth_error"
)

// ConnEvent is a connection-state notification. Reason is set for
// disconnected/auth_error, Attempt for reconnected.
type ConnEvent struct {
	Kind    ConnEventKind
	Reason  error
	Attempt int
}

// Client owns the persistent connection and all state derived from it. It is
// created by Dial, torn down by Close, and safe for concurrent use.
type Client struct {
	wsURL string
	opts  options
	log   *zap.Logger

	userID string

	mu     sync.Mutex
	token  string
	conn   *websocket.Conn
	state  State
	closed bool
	gen    int // bumped per transport; stale read loops detect it and exit

	writeMu sync.Mutex

	seq     atomic.Int64
	pmu     sync.Mutex
	pending map[int64]pendingCommand

	bus      *eventBus
	presence *presenceTracker

	connMu      sync.Mutex
	connSubs    map[int]func(ConnEvent)
	connSubNext int
}

// Dial parses the token, opens an authenticated websocket session and starts
// the read loop. An expired or rejected token fails with ErrAuthFailed so the
// caller refreshes the credential instead of retrying.
func Dial(ctx context.Context, rawURL, token string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	userID, err := userIDFromToken(token)
	if err != nil {
		return nil, err
	}

	c := &Client{
		wsURL:    rawURL,
		opts:     o,
		log:      o.logger,
		userID:   userID,
		token:    token,
		state:    StateDisconnected,
		pending:  make(map[int64]pendingCommand),
		bus:      newEventBus(),
		connSubs: make(map[int]func(ConnEvent)),
	}
	c.presence = newPresenceTracker()

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// UserID returns the authenticated user's id from the token claims.
func (c *Client) UserID() string { return c.userID }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UpdateToken swaps the credential used by the next (re)connect, typically
// after an auth_error notification and a token refresh.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Connect is idempotent: a live or in-progress connection is left alone.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	token := c.token
	c.mu.Unlock()

	conn, err := c.dial(ctx, token)
	if err != nil {
		c.mu.Lock()
		if errors.Is(err, ErrAuthFailed) {
			c.state = StateAuthFailed
		} else {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		if errors.Is(err, ErrAuthFailed) {
			c.notifyConn(ConnEvent{Kind: ConnAuthError, Reason: err})
		}
		return err
	}

	gen := c.adopt(conn)
	if gen < 0 {
		return ErrClosed
	}
	c.notifyConn(ConnEvent{Kind: ConnConnected})
	go c.readLoop(conn, gen)
	return nil
}

// Close tears the session down: the transport is closed, derived state is
// cleared, and every pending invocation rejects with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.gen++
	c.mu.Unlock()

	c.failPending(ErrClosed)
	c.presence.reset()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	c.notifyConn(ConnEvent{Kind: ConnDisconnected, Reason: ErrClosed})
	return nil
}

// SubscribeConn registers for connection-state notifications.
func (c *Client) SubscribeConn(fn func(ConnEvent)) (off func()) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.connSubNext++
	id := c.connSubNext
	c.connSubs[id] = fn
	return func() {
		c.connMu.Lock()
		defer c.connMu.Unlock()
		delete(c.connSubs, id)
	}
}

// On registers a push-event handler. Part of the Session interface.
func (c *Client) On(event string, fn func(json.RawMessage)) (off func()) {
	return c.bus.on(event, fn)
}

func (c *Client) notifyConn(ev ConnEvent) {
	c.connMu.Lock()
	fns := make([]func(ConnEvent), 0, len(c.connSubs))
	for _, fn := range c.connSubs {
		fns = append(fns, fn)
	}
	c.connMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// adopt installs a freshly dialed transport and returns its generation, or -1
// when the client was closed while dialing.
func (c *Client) adopt(conn *websocket.Conn) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return -1
	}
	c.conn = conn
	c.state = StateConnected
	c.gen++
	return c.gen
}

func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: server rejected credential (%d)", ErrAuthFailed, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.handleReadError(gen, err)
			return
		}
		switch f.Type {
		case protocol.FrameAck:
			c.resolve(f)
		case protocol.FrameEvent:
			c.dispatchEvent(f)
		default:
			c.log.Debug("dropping unexpected frame", zap.String("type", string(f.Type)))
		}
	}
}

func (c *Client) dispatchEvent(f protocol.Frame) {
	switch f.Name {
	case protocol.EventUserOnline:
		var ev protocol.PresenceEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			// Presence is best-effort; a malformed event degrades silently.
			c.log.Debug("bad presence payload", zap.Error(err))
			return
		}
		c.presence.apply(ev)
	case protocol.EventRateLimited:
		c.log.Warn("server rate limit", zap.ByteString("payload", f.Payload))
	}
	c.bus.publish(f.Name, f.Payload)
}

func (c *Client) handleReadError(gen int, err error) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer transport (or Close) already took over.
		c.mu.Unlock()
		return
	}
	closed := c.closed
	c.conn = nil
	if closed {
		c.state = StateDisconnected
	} else {
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	if closed {
		return
	}

	c.failPending(ErrConnectionLost)
	c.notifyConn(ConnEvent{Kind: ConnDisconnected, Reason: err})

	// A server-initiated close gets one immediate attempt; network drops go
	// straight to backoff.
	immediate := websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseServiceRestart)
	go c.reconnectLoop(immediate)
}

func (c *Client) reconnectLoop(immediate bool) {
	for attempt := 1; attempt <= c.opts.reconnectAttempts; attempt++ {
		delay := c.backoff(attempt)
		if immediate && attempt == 1 {
			delay = 0
		}
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		token := c.token
		c.mu.Unlock()

		conn, err := c.dial(context.Background(), token)
		if err == nil {
			gen := c.adopt(conn)
			if gen < 0 {
				return
			}
			c.log.Info("reconnected", zap.Int("attempt", attempt))
			c.notifyConn(ConnEvent{Kind: ConnReconnected, Attempt: attempt})
			go c.readLoop(conn, gen)
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			c.mu.Lock()
			c.state = StateAuthFailed
			c.mu.Unlock()
			c.notifyConn(ConnEvent{Kind: ConnAuthError, Reason: err})
			return
		}
		c.log.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.notifyConn(ConnEvent{Kind: ConnReconnectFailed})
}

// backoff doubles the base delay per attempt up to the cap: 1s, 2s, 4s, 5s, 5s
// with the defaults.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.reconnectBase << (attempt - 1)
	if d <= 0 || d > c.opts.reconnectCap {
		return c.opts.reconnectCap
	}
	return d
}

func (c *Client) writeFrame(f protocol.Frame) error {
	c.mu.Lock()
	conn := c.conn
	live := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if !live {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Signal sends a fire-and-forget frame. Part of the Session interface.
func (c *Client) Signal(name string, payload any) error {
	f, err := protocol.NewSignal(name, payload)
	if err != nil {
		return fmt.Errorf("marshal signal %s: %w", name, err)
	}
	return c.writeFrame(f)
}

// UnviewedCount returns the unread total, scoped to one conversation when
// chatID is non-empty.
func (c *Client) UnviewedCount(ctx context.Context, chatID string) (int, error) {
	req := protocol.UnviewedCountRequest{ChatID: chatID}
	var resp protocol.UnviewedCountResponse
	if err := c.Invoke(ctx, protocol.CommandGetUnviewedMsgCount, &req, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func userIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && time.Now().After(exp.Time) {
		return "", fmt.Errorf("%w: token expired", ErrAuthFailed)
	}
	id, _ := claims["user_id"].(string)
	if id == "" {
		return "", errors.New("token missing user_id claim")
	}
	return id, nil
}
