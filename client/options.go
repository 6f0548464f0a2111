package client

import (
	"time"

	"go.uber.org/zap"
)

// Defaults for the connection lifecycle. Handshake and backoff values mirror
// the server's expectations; the ack timeout bounds every invocation so a
// lost acknowledgement can never hang a caller.
const (
	DefaultHandshakeTimeout  = 20 * time.Second
	DefaultAckTimeout        = 15 * time.Second
	DefaultReconnectBase     = 1000 * time.Millisecond
	DefaultReconnectCap      = 5000 * time.Millisecond
	DefaultReconnectAttempts = 5
	DefaultTypingIdle        = 1000 * time.Millisecond
)

type options struct {
	logger            *zap.Logger
	handshakeTimeout  time.Duration
	ackTimeout        time.Duration
	reconnectBase     time.Duration
	reconnectCap      time.Duration
	reconnectAttempts int
	typingIdle        time.Duration
}

func defaultOptions() options {
	return options{
		logger:            zap.NewNop(),
		handshakeTimeout:  DefaultHandshakeTimeout,
		ackTimeout:        DefaultAckTimeout,
		reconnectBase:     DefaultReconnectBase,
		reconnectCap:      DefaultReconnectCap,
		reconnectAttempts: DefaultReconnectAttempts,
		typingIdle:        DefaultTypingIdle,
	}
}

// Option configures a Client.
type Option func(*options)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHandshakeTimeout bounds the websocket upgrade.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithAckTimeout bounds every Invoke. Zero is not allowed: an unbounded wait
// would hang forever on a swallowed acknowledgement.
func WithAckTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ackTimeout = d
		}
	}
}

// WithReconnect tunes automatic reconnection: delay starts at base, doubles
// per attempt up to cap, and gives up after attempts.
func WithReconnect(base, cap time.Duration, attempts int) Option {
	return func(o *options) {
		if base > 0 {
			o.reconnectBase = base
		}
		if cap > 0 {
			o.reconnectCap = cap
		}
		if attempts > 0 {
			o.reconnectAttempts = attempts
		}
	}
}

// WithTypingIdle sets the inactivity window after which typing-stop fires.
func WithTypingIdle(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.typingIdle = d
		}
	}
}
