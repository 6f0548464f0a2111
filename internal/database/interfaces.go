package database

import (
	"context"

	"chatbridge/internal/models"
	"chatbridge/protocol"
)

type UserRepository interface {
	CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

type ConversationRepository interface {
	// GetOrCreateConversation returns the single conversation id for a user
	// pair, creating the row on first contact.
	GetOrCreateConversation(ctx context.Context, userA, userB string) (string, error)
	// ListConversations pages a user's inbox, newest first, with per-row
	// participant profile, last-message preview and unread count. searchTerm
	// filters by participant name; empty returns the unfiltered page.
	ListConversations(ctx context.Context, userID string, page, limit int, searchTerm string) ([]protocol.Conversation, protocol.Pagination, error)
}

type MessageRepository interface {
	SaveMessage(ctx context.Context, msg *protocol.Message) error
	// ListMessages pages the history between two users, newest page first.
	ListMessages(ctx context.Context, userID, peerID string, page, limit int) ([]protocol.Message, protocol.Pagination, error)
	SearchMessages(ctx context.Context, userID, peerID, term string, page, limit int) ([]protocol.Message, protocol.Pagination, error)
	GetMessage(ctx context.Context, messageID string) (*protocol.Message, error)
	// MarkThreadSeen flips every unseen message from peer to reader; returns
	// the number of rows touched.
	MarkThreadSeen(ctx context.Context, readerID, peerID string) (int64, error)
	MarkMessageSeen(ctx context.Context, messageID, readerID string) error
	UpdateMessage(ctx context.Context, messageID, senderID, content string) (*protocol.Message, error)
	DeleteMessage(ctx context.Context, messageID, senderID string) (*protocol.Message, error)
	// UnseenCount counts messages addressed to the user that are not yet
	// seen, optionally scoped to one conversation.
	UnseenCount(ctx context.Context, userID, conversationID string) (int, error)
}

type ReactionRepository interface {
	// SetReaction upserts the reactor's single emoji on a message.
	SetReaction(ctx context.Context, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID string) error
}

type Database interface {
	UserRepository
	ConversationRepository
	MessageRepository
	ReactionRepository
	Close() error
}
