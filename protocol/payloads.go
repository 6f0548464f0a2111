package protocol

// Pagination defaults. Search uses a smaller page because results are scored
// server-side.
const (
	DefaultPage        = 1
	DefaultLimit       = 50
	DefaultSearchLimit = 20
)

type ConversationListRequest struct {
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	SearchTerm string `json:"searchTerm,omitempty"`
}

// Normalize fills zero paging fields with the defaults.
func (r *ConversationListRequest) Normalize() {
	if r.Page <= 0 {
		r.Page = DefaultPage
	}
	if r.Limit <= 0 {
		r.Limit = DefaultLimit
	}
}

type ConversationListResponse struct {
	Results    []Conversation `json:"results"`
	Pagination Pagination     `json:"pagination"`
}

type GetMessagesRequest struct {
	ReceiverID string `json:"receiverId"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
}

func (r *GetMessagesRequest) Normalize() {
	if r.Page <= 0 {
		r.Page = DefaultPage
	}
	if r.Limit <= 0 {
		r.Limit = DefaultLimit
	}
}

type MessagesResponse struct {
	Results    []Message  `json:"results"`
	Pagination Pagination `json:"pagination"`
}

// Draft is the client-composed part of an outbound message.
type Draft struct {
	Content  string      `json:"content"`
	FileURLs []string    `json:"fileUrls,omitempty"`
	Kind     MessageKind `json:"type"`
}

type SendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Message    Draft  `json:"message"`
}

// MarkSeenRequest marks either a whole thread (by counterpart) or a single
// message as seen. Exactly one of the two fields is set.
type MarkSeenRequest struct {
	ReceiverID string `json:"receiverId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
}

type DeleteMessageRequest struct {
	MessageID string `json:"messageId"`
}

type UpdateMessageRequest struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

type AddReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type RemoveReactionRequest struct {
	MessageID string `json:"messageId"`
}

type SearchMessagesRequest struct {
	ReceiverID string `json:"receiverId"`
	SearchTerm string `json:"searchTerm"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
}

func (r *SearchMessagesRequest) Normalize() {
	if r.Page <= 0 {
		r.Page = DefaultPage
	}
	if r.Limit <= 0 {
		r.Limit = DefaultSearchLimit
	}
}

type OnlineUsersResponse struct {
	UserIDs []string `json:"userIds"`
}

type UnviewedCountRequest struct {
	ChatID string `json:"chatId,omitempty"`
}

type UnviewedCountResponse struct {
	ChatID string `json:"chatId,omitempty"`
	Count  int    `json:"count"`
}

// PresenceEvent is pushed as user:online whenever a user's connectivity flips.
type PresenceEvent struct {
	UserID   string       `json:"userId"`
	IsOnline bool         `json:"isOnline"`
	Profile  *UserProfile `json:"profile,omitempty"`
}

// TypingEvent is pushed as user-typing to the counterpart of a typing user.
type TypingEvent struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// SeenEvent is pushed as message-seen to the sender whose thread was read.
type SeenEvent struct {
	ConversationID string `json:"conversationId"`
	SeenBy         string `json:"seenBy"`
}

type MessageDeletedEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ReactionEvent carries the full replacement reaction set for a message.
type ReactionEvent struct {
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

// RateLimitEvent is advisory; the client surfaces it and must not auto-retry.
type RateLimitEvent struct {
	Event      string `json:"event"`
	RetryAfter int    `json:"retryAfter"` // seconds
}

// TypingSignal is the payload of typing-start / typing-stop.
type TypingSignal struct {
	ReceiverID string `json:"receiverId"`
}
