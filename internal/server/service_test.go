package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/database"
	"chatbridge/internal/errs"
	"chatbridge/internal/models"
	"chatbridge/protocol"
)

// fakeStore stubs the repositories the service touches; unstubbed methods
// panic via the embedded nil interface.
type fakeStore struct {
	database.Database
	users  map[string]*models.User
	saved  []protocol.Message
	seen   int64
	unseen int
}

func newFakeStore(users ...*models.User) *fakeStore {
	fs := &fakeStore{users: make(map[string]*models.User)}
	for _, u := range users {
		fs.users[u.ID] = u
	}
	return fs
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetOrCreateConversation(_ context.Context, a, b string) (string, error) {
	return "conv-" + min2(a, b) + "-" + max2(a, b), nil
}

func (f *fakeStore) SaveMessage(_ context.Context, msg *protocol.Message) error {
	f.saved = append(f.saved, *msg)
	return nil
}

func (f *fakeStore) MarkThreadSeen(_ context.Context, readerID, peerID string) (int64, error) {
	return f.seen, nil
}

func (f *fakeStore) UnseenCount(_ context.Context, userID, conversationID string) (int, error) {
	return f.unseen, nil
}

func min2(a, b string) string {
	if a < b {
		return a
	}
	return b
}

func max2(a, b string) string {
	if a < b {
		return b
	}
	return a
}

// fakeUnread is an in-memory stand-in for the Redis counters.
type fakeUnread struct {
	counts map[string]int64
	err    error
}

func newFakeUnread() *fakeUnread { return &fakeUnread{counts: make(map[string]int64)} }

func (f *fakeUnread) key(userID, convID string) string { return userID + "/" + convID }

func (f *fakeUnread) IncrUnread(_ context.Context, userID, convID string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[f.key(userID, convID)]++
	return f.counts[f.key(userID, convID)], nil
}

func (f *fakeUnread) ResetUnread(_ context.Context, userID, convID string) error {
	if f.err != nil {
		return f.err
	}
	delete(f.counts, f.key(userID, convID))
	return nil
}

func (f *fakeUnread) UnreadCount(_ context.Context, userID, convID string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[f.key(userID, convID)], nil
}

func (f *fakeUnread) TotalUnread(_ context.Context, userID string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	var total int64
	for k, v := range f.counts {
		if len(k) > len(userID) && k[:len(userID)] == userID {
			total += v
		}
	}
	return total, nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func setupService(t *testing.T, store *fakeStore) (*Service, *Hub, *fakeUnread) {
	t.Helper()
	hub := NewHub()
	unread := newFakeUnread()
	return NewService(store, unread, hub, 0), hub, unread
}

func TestSendMessageFanOut(t *testing.T) {
	alice := &models.User{ID: "alice", FirstName: "Alice", LastName: "A"}
	bob := &models.User{ID: "bob", FirstName: "Bob", LastName: "B"}
	store := newFakeStore(alice, bob)
	svc, hub, _ := setupService(t, store)

	aliceSess := NewSession(hub, svc, nil, alice)
	aliceTab2 := NewSession(hub, svc, nil, alice)
	bobSess := NewSession(hub, svc, nil, bob)
	hub.Register(aliceSess)
	hub.Register(aliceTab2)
	hub.Register(bobSess)

	payload := mustJSON(t, protocol.SendMessageRequest{
		ReceiverID: "bob",
		Message:    protocol.Draft{Content: "hi bob"},
	})
	result, err := svc.HandleCommand(context.Background(), aliceSess, protocol.CommandSendMessage, payload)
	require.NoError(t, err)

	msg, ok := result.(protocol.Message)
	require.True(t, ok)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "hi bob", msg.Content)
	// Receiver is connected, so the message lands as delivered.
	assert.Equal(t, protocol.StatusDelivered, msg.Status)
	require.Len(t, store.saved, 1)

	// Receiver gets new-message plus the unread counter bump.
	f := nextFrame(t, bobSess)
	assert.Equal(t, protocol.EventNewMessage, f.Name)
	var pushed protocol.Message
	require.NoError(t, json.Unmarshal(f.Payload, &pushed))
	require.NotNil(t, pushed.Sender)
	assert.Equal(t, "Alice", pushed.Sender.FirstName)

	f = nextFrame(t, bobSess)
	assert.Equal(t, protocol.EventUnviewedCount, f.Name)

	// The sender's other tab gets the echo; the originating one does not.
	assert.Equal(t, protocol.EventMessageSent, nextFrame(t, aliceTab2).Name)
	assertNoFrame(t, aliceSess)
}

func TestSendMessageOfflineReceiver(t *testing.T) {
	alice := &models.User{ID: "alice", FirstName: "Alice"}
	bob := &models.User{ID: "bob", FirstName: "Bob"}
	store := newFakeStore(alice, bob)
	svc, hub, _ := setupService(t, store)

	aliceSess := NewSession(hub, svc, nil, alice)
	hub.Register(aliceSess)

	payload := mustJSON(t, protocol.SendMessageRequest{ReceiverID: "bob", Message: protocol.Draft{Content: "hi"}})
	result, err := svc.HandleCommand(context.Background(), aliceSess, protocol.CommandSendMessage, payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, result.(protocol.Message).Status)
}

func TestSendMessageValidation(t *testing.T) {
	alice := &models.User{ID: "alice"}
	store := newFakeStore(alice)
	svc, hub, _ := setupService(t, store)
	sess := NewSession(hub, svc, nil, alice)

	_, err := svc.HandleCommand(context.Background(), sess, protocol.CommandSendMessage,
		mustJSON(t, protocol.SendMessageRequest{Message: protocol.Draft{Content: "x"}}))
	require.Error(t, err)

	_, err = svc.HandleCommand(context.Background(), sess, protocol.CommandSendMessage,
		mustJSON(t, protocol.SendMessageRequest{ReceiverID: "alice"}))
	require.Error(t, err)

	// Unknown receiver.
	_, err = svc.HandleCommand(context.Background(), sess, protocol.CommandSendMessage,
		mustJSON(t, protocol.SendMessageRequest{ReceiverID: "ghost", Message: protocol.Draft{Content: "x"}}))
	require.Error(t, err)
}

func TestMarkSeenNotifiesSender(t *testing.T) {
	alice := &models.User{ID: "alice"}
	bob := &models.User{ID: "bob"}
	store := newFakeStore(alice, bob)
	store.seen = 2
	svc, hub, unread := setupService(t, store)

	bobSess := NewSession(hub, svc, nil, bob)
	aliceSess := NewSession(hub, svc, nil, alice)
	hub.Register(bobSess)
	hub.Register(aliceSess)

	convID := "conv-alice-bob"
	_, err := unread.IncrUnread(context.Background(), "alice", convID)
	require.NoError(t, err)

	_, err = svc.HandleCommand(context.Background(), aliceSess, protocol.CommandMarkSeen,
		mustJSON(t, protocol.MarkSeenRequest{ReceiverID: "bob"}))
	require.NoError(t, err)

	// Counter cleared for the reader.
	count, err := unread.UnreadCount(context.Background(), "alice", convID)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Bob learns his messages were read.
	f := nextFrame(t, bobSess)
	assert.Equal(t, protocol.EventMessageSeen, f.Name)
	var ev protocol.SeenEvent
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, "alice", ev.SeenBy)
}

func TestMarkSeenNoRowsNoEvent(t *testing.T) {
	alice := &models.User{ID: "alice"}
	bob := &models.User{ID: "bob"}
	store := newFakeStore(alice, bob)
	store.seen = 0
	svc, hub, _ := setupService(t, store)

	bobSess := NewSession(hub, svc, nil, bob)
	aliceSess := NewSession(hub, svc, nil, alice)
	hub.Register(bobSess)
	hub.Register(aliceSess)

	_, err := svc.HandleCommand(context.Background(), aliceSess, protocol.CommandMarkSeen,
		mustJSON(t, protocol.MarkSeenRequest{ReceiverID: "bob"}))
	require.NoError(t, err)

	// Nothing was newly read, so no message-seen push.
	assertNoFrame(t, bobSess)
}

func TestTypingRelay(t *testing.T) {
	alice := &models.User{ID: "alice"}
	bob := &models.User{ID: "bob"}
	store := newFakeStore(alice, bob)
	svc, hub, _ := setupService(t, store)

	aliceSess := NewSession(hub, svc, nil, alice)
	bobSess := NewSession(hub, svc, nil, bob)
	hub.Register(aliceSess)
	hub.Register(bobSess)

	svc.HandleSignal(aliceSess, protocol.SignalTypingStart, mustJSON(t, protocol.TypingSignal{ReceiverID: "bob"}))

	f := nextFrame(t, bobSess)
	assert.Equal(t, protocol.EventUserTyping, f.Name)
	var ev protocol.TypingEvent
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, "alice", ev.UserID)
	assert.True(t, ev.IsTyping)

	svc.HandleSignal(aliceSess, protocol.SignalTypingStop, mustJSON(t, protocol.TypingSignal{ReceiverID: "bob"}))
	f = nextFrame(t, bobSess)
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.False(t, ev.IsTyping)
}

func TestBroadcastPresence(t *testing.T) {
	alice := &models.User{ID: "alice", FirstName: "Alice", LastName: "A"}
	bob := &models.User{ID: "bob"}
	store := newFakeStore(alice, bob)
	svc, hub, _ := setupService(t, store)

	bobSess := NewSession(hub, svc, nil, bob)
	hub.Register(bobSess)

	svc.BroadcastPresence(alice, true)

	f := nextFrame(t, bobSess)
	assert.Equal(t, protocol.EventUserOnline, f.Name)
	var ev protocol.PresenceEvent
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, "alice", ev.UserID)
	assert.True(t, ev.IsOnline)
	require.NotNil(t, ev.Profile)
	assert.Equal(t, "Alice", ev.Profile.FirstName)
}

func TestGetOnlineUsers(t *testing.T) {
	alice := &models.User{ID: "alice"}
	bob := &models.User{ID: "bob"}
	store := newFakeStore(alice, bob)
	svc, hub, _ := setupService(t, store)

	aliceSess := NewSession(hub, svc, nil, alice)
	hub.Register(aliceSess)
	hub.Register(NewSession(hub, svc, nil, bob))

	result, err := svc.HandleCommand(context.Background(), aliceSess, protocol.CommandGetOnlineUsers, nil)
	require.NoError(t, err)
	resp, ok := result.(protocol.OnlineUsersResponse)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"alice", "bob"}, resp.UserIDs)
}

func TestUnviewedCountFallsBackToDB(t *testing.T) {
	alice := &models.User{ID: "alice"}
	store := newFakeStore(alice)
	store.unseen = 9
	svc, hub, unread := setupService(t, store)
	unread.err = errors.New("redis down")

	sess := NewSession(hub, svc, nil, alice)
	result, err := svc.HandleCommand(context.Background(), sess, protocol.CommandGetUnviewedMsgCount,
		mustJSON(t, protocol.UnviewedCountRequest{}))
	require.NoError(t, err)
	assert.Equal(t, 9, result.(protocol.UnviewedCountResponse).Count)
}

func TestUnknownCommandRejected(t *testing.T) {
	alice := &models.User{ID: "alice"}
	store := newFakeStore(alice)
	svc, hub, _ := setupService(t, store)

	sess := NewSession(hub, svc, nil, alice)
	_, err := svc.HandleCommand(context.Background(), sess, "no-such-command", nil)
	require.Error(t, err)
}
