package protocol

import (
	"strings"
	"time"
)

// MessageKind classifies message content.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindDocument MessageKind = "document"
	KindFile     MessageKind = "file"
)

// DeliveryStatus tracks how far a message travelled.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusSeen      DeliveryStatus = "seen"
)

// UserProfile is the snapshot of a participant embedded in messages and
// conversations.
type UserProfile struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar,omitempty"`
}

func (p UserProfile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Complete reports whether the snapshot carries enough data to display the
// user without a server round trip.
func (p UserProfile) Complete() bool {
	return p.ID != "" && (p.FirstName != "" || p.LastName != "")
}

// Reaction is one emoji left by one reactor. A reactor has at most one
// reaction per message; adding again replaces it.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is a single entry in a 1:1 thread.
type Message struct {
	ID             string         `json:"_id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	ReceiverID     string         `json:"receiverId"`
	Content        string         `json:"content"`
	FileURLs       []string       `json:"fileUrls,omitempty"`
	Kind           MessageKind    `json:"type"`
	Status         DeliveryStatus `json:"status"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
	Edited         bool           `json:"isEdited"`
	Deleted        bool           `json:"isDeleted"`
	CreatedAt      time.Time      `json:"createdAt"`
	Sender         *UserProfile   `json:"sender,omitempty"`
	Receiver       *UserProfile   `json:"receiver,omitempty"`
}

// Counterpart returns the embedded profile of whichever side of the message
// is not selfID, or nil when that side's snapshot is absent.
func (m Message) Counterpart(selfID string) *UserProfile {
	if m.SenderID == selfID {
		return m.Receiver
	}
	return m.Sender
}

// MessageSummary is the last-message preview carried on a conversation.
type MessageSummary struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a 1:1 thread as seen in the inbox list.
type Conversation struct {
	ID          string          `json:"_id"`
	Participant UserProfile     `json:"participant"`
	LastMessage *MessageSummary `json:"lastMessage,omitempty"`
	UnreadCount int             `json:"unreadCount"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// SortTime is the recency key for inbox ordering: updatedAt, falling back to
// createdAt when the server never touched the row.
func (c Conversation) SortTime() time.Time {
	if c.UpdatedAt.IsZero() {
		return c.CreatedAt
	}
	return c.UpdatedAt
}

// Pagination is the envelope around every paged result set.
type Pagination struct {
	Page        int `json:"page"`
	Limit       int `json:"limit"`
	TotalPages  int `json:"totalPages"`
	TotalResult int `json:"totalResult"`
}
