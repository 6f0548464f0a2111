package client

import (
	"errors"
	"fmt"
)

// Sentinel errors for stable classification across layers.
var (
	// ErrNotConnected is returned when a command is invoked with no live
	// connection. Callers must not retry; reconnect first.
	ErrNotConnected = errors.New("chat: not connected")

	// ErrConnectionLost rejects in-flight invocations when the transport
	// drops before their acknowledgement arrives.
	ErrConnectionLost = errors.New("chat: connection lost")

	// ErrClosed rejects pending work when the session is torn down on
	// purpose (logout).
	ErrClosed = errors.New("chat: connection closed")

	// ErrAuthFailed indicates a rejected credential at handshake. The caller
	// must refresh the token before reconnecting; automatic retry is wrong.
	ErrAuthFailed = errors.New("chat: authentication failed")

	// ErrAckTimeout indicates no acknowledgement arrived within the bound.
	ErrAckTimeout = errors.New("chat: acknowledgement timed out")

	// ErrNoOpenThread is returned by thread operations before Open.
	ErrNoOpenThread = errors.New("chat: no open thread")
)

// CommandError is a server-reported command failure ({ok:false, error}).
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("chat: command %s failed: %s", e.Command, e.Message)
}
