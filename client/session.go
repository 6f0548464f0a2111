package client

import (
	"context"
	"encoding/json"
)

// Session is the surface controllers need from the connection: correlated
// commands, fire-and-forget signals, push-event subscriptions and synchronous
// presence lookups. Client implements it; tests substitute doubles.
type Session interface {
	// UserID identifies the authenticated user (from the token claims).
	UserID() string

	// Invoke sends a command and blocks until its single acknowledgement,
	// the ack timeout, a connection loss, or ctx cancellation. On success
	// the ack payload is unmarshaled into result when result is non-nil.
	Invoke(ctx context.Context, command string, payload, result any) error

	// Signal sends a fire-and-forget frame (typing-start / typing-stop).
	Signal(name string, payload any) error

	// On registers a handler for a named push event and returns its
	// unsubscribe. Handlers run serially on the read loop goroutine.
	On(event string, fn func(json.RawMessage)) (off func())

	// IsOnline answers from the in-memory presence set, synchronously.
	IsOnline(userID string) bool
}

var _ Session = (*Client)(nil)
