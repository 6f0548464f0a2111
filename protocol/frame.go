// Package protocol defines the wire format shared by the messaging client and
// server: a single websocket connection carrying correlated command/ack pairs,
// server push events, and fire-and-forget signals.
package protocol

import "encoding/json"

type FrameType string

const (
	// FrameCommand is a client request carrying a correlation seq; the server
	// answers with exactly one FrameAck bearing the same seq.
	FrameCommand FrameType = "command"
	FrameAck     FrameType = "ack"
	// FrameEvent is a server push with no acknowledgement.
	FrameEvent FrameType = "event"
	// FrameSignal is a client push with no acknowledgement.
	FrameSignal FrameType = "signal"
)

// Frame is the envelope for every payload on the socket.
type Frame struct {
	Type    FrameType       `json:"type"`
	Seq     int64           `json:"seq,omitempty"`
	Name    string          `json:"name,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command names. Every command receives a single ack.
const (
	CommandConversationList    = "conversation-list"
	CommandGetMessages         = "get-messages"
	CommandSendMessage         = "send-message"
	CommandMarkSeen            = "mark-seen"
	CommandDeleteMessage       = "delete-message"
	CommandUpdateMessage       = "update-message"
	CommandAddReaction         = "add-reaction"
	CommandRemoveReaction      = "remove-reaction"
	CommandSearchMessages      = "search-messages"
	CommandGetOnlineUsers      = "get-online-users"
	CommandGetUnviewedMsgCount = "get-unviewed-message-count"
)

// Push event names.
const (
	EventNewMessage          = "new-message"
	EventMessageSent         = "message-sent"
	EventConversationUpdated = "conversation-updated"
	EventUnviewedCount       = "unviewed-count-updated"
	EventMessageSeen         = "message-seen"
	EventMessageUpdated      = "message-updated"
	EventMessageDeleted      = "message-deleted"
	EventUserTyping          = "user-typing"
	EventReactionAdded       = "reaction-added"
	EventReactionRemoved     = "reaction-removed"
	EventUserOnline          = "user:online"
	EventRateLimited         = "rate-limited"
)

// Signal names (client to server, no ack).
const (
	SignalTypingStart = "typing-start"
	SignalTypingStop  = "typing-stop"
)

// NewCommand builds a command frame, marshaling the payload.
func NewCommand(seq int64, name string, payload any) (Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameCommand, Seq: seq, Name: name, Payload: raw}, nil
}

// NewAck builds a successful ack for the given command seq.
func NewAck(seq int64, payload any) (Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameAck, Seq: seq, OK: true, Payload: raw}, nil
}

// NewNack builds a failed ack carrying the server's error message.
func NewNack(seq int64, message string) Frame {
	return Frame{Type: FrameAck, Seq: seq, OK: false, Error: message}
}

// NewEvent builds a server push frame.
func NewEvent(name string, payload any) (Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameEvent, Name: name, Payload: raw}, nil
}

// NewSignal builds a client push frame.
func NewSignal(name string, payload any) (Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameSignal, Name: name, Payload: raw}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}
