package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"chatbridge/internal/database"
	"chatbridge/internal/errs"
	"chatbridge/internal/models"
	"chatbridge/pkg/logger"
	"chatbridge/protocol"
)

// UnreadCache is the slice of the Redis cache the service needs; tests plug
// in a map-backed fake.
type UnreadCache interface {
	IncrUnread(ctx context.Context, userID, conversationID string) (int64, error)
	ResetUnread(ctx context.Context, userID, conversationID string) error
	UnreadCount(ctx context.Context, userID, conversationID string) (int64, error)
	TotalUnread(ctx context.Context, userID string) (int64, error)
}

// Service executes socket commands and fans resulting push events out
// through the hub.
type Service struct {
	db        database.Database
	cache     UnreadCache
	hub       *Hub
	rateLimit int
}

func NewService(db database.Database, cache UnreadCache, hub *Hub, rateLimit int) *Service {
	return &Service{db: db, cache: cache, hub: hub, rateLimit: rateLimit}
}

// BroadcastPresence tells everyone else that a user flipped on/offline.
func (s *Service) BroadcastPresence(user *models.User, online bool) {
	ev, err := protocol.NewEvent(protocol.EventUserOnline, protocol.PresenceEvent{
		UserID:   user.ID,
		IsOnline: online,
		Profile:  user.Profile(),
	})
	if err != nil {
		logger.Error("Error marshaling presence event: %v", err)
		return
	}
	s.hub.BroadcastExcept(user.ID, ev)
	logger.Info("User %s is now %s", user.ID, onlineWord(online))
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// HandleCommand dispatches one command frame and returns the ack payload.
func (s *Service) HandleCommand(ctx context.Context, sess *Session, name string, payload json.RawMessage) (any, error) {
	switch name {
	case protocol.CommandConversationList:
		return s.conversationList(ctx, sess, payload)
	case protocol.CommandGetMessages:
		return s.getMessages(ctx, sess, payload)
	case protocol.CommandSendMessage:
		return s.sendMessage(ctx, sess, payload)
	case protocol.CommandMarkSeen:
		return s.markSeen(ctx, sess, payload)
	case protocol.CommandDeleteMessage:
		return s.deleteMessage(ctx, sess, payload)
	case protocol.CommandUpdateMessage:
		return s.updateMessage(ctx, sess, payload)
	case protocol.CommandAddReaction:
		return s.addReaction(ctx, sess, payload)
	case protocol.CommandRemoveReaction:
		return s.removeReaction(ctx, sess, payload)
	case protocol.CommandSearchMessages:
		return s.searchMessages(ctx, sess, payload)
	case protocol.CommandGetOnlineUsers:
		return protocol.OnlineUsersResponse{UserIDs: s.hub.OnlineUserIDs()}, nil
	case protocol.CommandGetUnviewedMsgCount:
		return s.unviewedCount(ctx, sess, payload)
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

// HandleSignal relays typing signals to the receiver; no acknowledgement.
func (s *Service) HandleSignal(sess *Session, name string, payload json.RawMessage) {
	var sig protocol.TypingSignal
	if err := json.Unmarshal(payload, &sig); err != nil || sig.ReceiverID == "" {
		return
	}

	var typing bool
	switch name {
	case protocol.SignalTypingStart:
		typing = true
	case protocol.SignalTypingStop:
		typing = false
	default:
		return
	}

	ev, err := protocol.NewEvent(protocol.EventUserTyping, protocol.TypingEvent{
		UserID:   sess.user.ID,
		IsTyping: typing,
	})
	if err != nil {
		return
	}
	s.hub.SendToUser(sig.ReceiverID, ev)
}

func (s *Service) conversationList(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
	var req protocol.ConversationListRequest
	if err := unmarshalReq(payload, &req); err != nil {
		return nil, err
	}
	req.Normalize()

	results, page, err := s.db.ListConversations(ctx, sess.user.ID, req.Page, req.Limit, req.SearchTerm)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if results == nil {
		results = []protocol.Conversation{}
	}
	return protocol.ConversationListResponse{Results: results, Pagination: page}, nil
}

func (s *Service) getMessages(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
	var req protocol.GetMessagesRequest
	if err := unmarshalReq(payload, &req); err != nil {
		return nil, err
	}
	if req.ReceiverID == "" {
		return nil, errors.New("receiverId is required")
	}
	req.Normalize()

	results, page, err := s.db.ListMessages(ctx, sess.user.ID, req.ReceiverID, req.Page, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if results == nil {
		results = []protocol.Message{}
	}
	return protocol.MessagesResponse{Results: results, Pagination: page}, nil
}

func (s *Service) sendMessage(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
	var req protocol.SendMessageRequest
	if err := unmarshalReq(payload, &req); err != nil {
		return nil, err
	}
	if req.ReceiverID == "" {
		return nil, errors.New("receiverId is required")
	}
	if req.Message.Content == "" && len(req.Message.FileURLs) == 0 {
		return nil, errors.New("message is empty")
	}

	receiver, err := s.db.GetUserByID(ctx, req.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}

	convID, err := s.db.GetOrCreateConversation(ctx, sess.user.ID, receiver.ID)
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	kind := req.Message.Kind
	if kind == "" {
		kind = protocol.KindText
	}
	status := protocol.StatusSent
	if s.hub.IsOnline(receiver.ID) {
		status = protocol.StatusDelivered
	}

	msg := protocol.Message{
		ID:             id.String(),
		ConversationID: convID,
		SenderID:       sess.user.ID,
		ReceiverID:     receiver.ID,
		Content:        req.Message.Content,
		FileURLs:       req.Message.FileURLs,
		Kind:           kind,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.SaveMessage(ctx, &msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	// Push copies carry both profile snapshots so a receiver list can
	// synthesize a brand-new conversation without a round trip.
	pushed := msg
	pushed.Sender = sess.user.Profile()
	pushed.Receiver = receiver.Profile()

	if ev, err := protocol.NewEvent(protocol.EventNewMessage, pushed); err == nil {
		s.hub.SendToUser(receiver.ID, ev)
	}
	if ev, err := protocol.NewEvent(protocol.EventMessageSent, pushed); err == nil {
		s.hub.SendToOthers(sess.user.ID, sess, ev)
	}

	s.bumpUnread(ctx, receiver.ID, convID)
	return msg, nil
}

// bumpUnread increments the receiver's counter and pushes the new value.
// Counter trouble is logged, never surfaced: the message already landed.
func (s *Service) bumpUnread(ctx context.Context, receiverID, convID string) {
	count, err := s.cache.IncrUnread(ctx, receiverID, convID)
	if err != nil {
		logger.Error("Error incrementing unread counter: %v", err)
		return
	}
	if ev, err := protocol.NewEvent(protocol.EventUnviewedCount, protocol.UnviewedCountResponse{
		ChatID: convID,
		Count:  int(count),
	}); err == nil {
		s.hub.SendToUser(receiverID, ev)
	}
}

func (s *Service) markSeen(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
	var req protocol.MarkSeenRequest
	if err := unmarshalReq(payload, &req); err != nil {
		return nil, err
	}

	switch {
	case req.ReceiverID != "":
		touched, err := s.db.MarkThreadSeen(ctx, sess.user.ID, req.ReceiverID)
		if err != nil {
			return nil, fmt.Errorf("mark seen: %w", err)
		}

		convID, err := s.db.GetOrCreateConversation(ctx, sess.user.ID, req.ReceiverID)
		if err == nil {
			if err := s.cache.ResetUnread(ctx, sess.user.ID, convID); err != nil {
				logger.Error("Error resetting unread counter: %v", err)
			}
			if touched > 0 {
				if ev, evErr := protocol.NewEvent(protocol.EventMessageSeen, protocol.SeenEvent{
					ConversationID: convID,
					SeenBy:         sess.user.ID,
				}); evErr == nil {
					s.hub.SendToUser(req.ReceiverID, ev)
				}
			}
			if ev, evErr := protocol.NewEvent(protocol.EventUnviewedCount, protocol.UnviewedCountResponse{
				ChatID: convID,
				Count:  0,
			}); evErr == nil {
				s.hub.SendToOthers(sess.user.ID, sess, ev)
			}
		}
		return struct{}{}, nil

	case req.MessageID != "":
		if err := s.db.MarkMessageSeen(ctx, req.MessageID, sess.user.ID); err != nil {
			return nil, fmt.Errorf("mark seen: %w", err)
		}
		return struct{}{}, nil

	default:
		return nil, errors.New("receiverId or messageId is required")
	}
}

func (s *Service) deleteMessage(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
	var req protocol.DeleteMessageRequest
	if err := unmarshalReq(payload, &req); err != nil {
		return nil, err
	}

	msg, err := s.db.DeleteMessage(ctx, req.MessageID, sess.user.ID)
	if err != nil {
		return nil, mapMessageErr(err)
	}

	if ev, evErr := protocol.NewEvent(protocol.EventMessageDeleted, protocol.MessageDeletedEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	}); evErr == nil {
		s.hub.SendToUser(otherParty(msg, sess.user.ID), ev)
		s.hub.SendToOthers(sess.user.ID, sess, ev)
	}
	return struct{}{}, nil
}

func (s *Service) updateMessage(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
	var req protocol.UpdateMessageRequest
	if err := unmarshalReq(payload, &req); err != nil {
		return nil, err
	}
	if req.Message == "" {
		return nil, errors.New("message is required")
	}

	msg, err := s.db.UpdateMessage(ctx, req.MessageID, sess.user.ID, req.Message)
	if err != nil {
		return nil, mapMessageErr(err)
	}

	if ev, evErr := protocol.NewEvent(protocol.EventMessageUpdated, msg); evErr == nil {
		s.hub.SendToUser(otherParty(msg, sess.user.ID), ev)
		s.hub.SendToOthers(sess.user.ID, sess, ev)
	}
	return msg, nil
}

func (s *Service) addReaction(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
	var req protocol.AddReactionRequest
	if err := unmarshalReq(payload, &req); err != nil {
		return nil, err
	}
	if req.Emoji == "" {
		return nil, errors.New("emoji is required")
	}
	return s.react(ctx, sess, req.MessageID, req.Emoji, protocol.EventReactionAdded)
}

func (s *Service) removeReaction(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
	var req protocol.RemoveReactionRequest
	if err := unmarshalReq(payload, &req); err != nil {
		return nil, err
	}
	return s.react(ctx, sess, req.MessageID, "", protocol.EventReactionRemoved)
}

// react applies the mutation and pushes the full replacement reaction set.
func (s *Service) react(ctx context.Context, sess *Session, messageID, emoji, event string) (any, error) {
	var err error
	if emoji != "" {
		err = s.db.SetReaction(ctx, messageID, sess.user.ID, emoji)
	} else {
		err = s.db.RemoveReaction(ctx, messageID, sess.user.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("reaction: %w", err)
	}

	msg, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, mapMessageErr(err)
	}

	if ev, evErr := protocol.NewEvent(event, protocol.ReactionEvent{
		MessageID: msg.ID,
		Reactions: msg.Reactions,
	}); evErr == nil {
		s.hub.SendToUser(otherParty(msg, sess.user.ID), ev)
		s.hub.SendToOthers(sess.user.ID, sess, ev)
	}
	return msg, nil
}

func (s *Service) searchMessages(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
	var req protocol.SearchMessagesRequest
	if err := unmarshalReq(payload, &req); err != nil {
		return nil, err
	}
	if req.ReceiverID == "" {
		return nil, errors.New("receiverId is required")
	}
	req.Normalize()

	results, page, err := s.db.SearchMessages(ctx, sess.user.ID, req.ReceiverID, req.SearchTerm, req.Page, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	if results == nil {
		results = []protocol.Message{}
	}
	return protocol.MessagesResponse{Results: results, Pagination: page}, nil
}

func (s *Service) unviewedCount(ctx context.Context, sess *Session, payload json.RawMessage) (any, error) {
	var req protocol.UnviewedCountRequest
	if err := unmarshalReq(payload, &req); err != nil {
		return nil, err
	}

	var (
		count int64
		err   error
	)
	if req.ChatID != "" {
		count, err = s.cache.UnreadCount(ctx, sess.user.ID, req.ChatID)
	} else {
		count, err = s.cache.TotalUnread(ctx, sess.user.ID)
	}
	if err != nil {
		// The cache is an optimization; fall back to the source of truth.
		logger.Error("Error reading unread counter, falling back to db: %v", err)
		var n int
		n, err = s.db.UnseenCount(ctx, sess.user.ID, req.ChatID)
		if err != nil {
			return nil, fmt.Errorf("unviewed count: %w", err)
		}
		count = int64(n)
	}
	return protocol.UnviewedCountResponse{ChatID: req.ChatID, Count: int(count)}, nil
}

func otherParty(msg *protocol.Message, selfID string) string {
	if msg.SenderID == selfID {
		return msg.ReceiverID
	}
	return msg.SenderID
}

func unmarshalReq(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	return nil
}

func mapMessageErr(err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return errors.New("message not found")
	case errors.Is(err, errs.ErrForbidden):
		return errors.New("not allowed to modify this message")
	default:
		return err
	}
}
