package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/protocol"
)

func conv(id, peerID, peerName string, updated time.Time, unread int) protocol.Conversation {
	return protocol.Conversation{
		ID:          id,
		Participant: protocol.UserProfile{ID: peerID, FirstName: peerName, LastName: "Doe"},
		UpdatedAt:   updated,
		UnreadCount: unread,
	}
}

// listWith builds a ConversationList whose Load returns the given rows.
func listWith(t *testing.T, sess *fakeSession, rows ...protocol.Conversation) *ConversationList {
	t.Helper()
	sess.invoke = func(command string, payload, result any) error {
		require.Equal(t, protocol.CommandConversationList, command)
		resp := result.(*protocol.ConversationListResponse)
		resp.Results = append([]protocol.Conversation(nil), rows...)
		resp.Pagination = protocol.Pagination{Page: 1, Limit: 50, TotalPages: 1, TotalResult: len(rows)}
		return nil
	}
	cl := NewConversationList(sess)
	t.Cleanup(cl.Close)
	_, err := cl.Load(context.Background(), "")
	require.NoError(t, err)
	return cl
}

func TestListLoadSortsByRecency(t *testing.T) {
	now := time.Now().UTC()
	sess := newFakeSession("self")
	cl := listWith(t, sess,
		conv("c-old", "p1", "Ann", now.Add(-2*time.Hour), 0),
		conv("c-new", "p2", "Bea", now, 0),
		conv("c-mid", "p3", "Cal", now.Add(-time.Hour), 0),
	)

	got := cl.Conversations()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c-new", "c-mid", "c-old"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestListSortIsStableForEqualTimes(t *testing.T) {
	now := time.Now().UTC()
	sess := newFakeSession("self")
	cl := listWith(t, sess,
		conv("c1", "p1", "Ann", now, 0),
		conv("c2", "p2", "Bea", now, 0),
		conv("c3", "p3", "Cal", now, 0),
	)

	got := cl.Conversations()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestListInboundMessagePatchesRow(t *testing.T) {
	now := time.Now().UTC()
	sess := newFakeSession("self")
	cl := listWith(t, sess,
		conv("c1", "p1", "Ann", now.Add(-time.Hour), 0),
		conv("c2", "p2", "Bea", now, 0),
	)

	sess.emit(t, protocol.EventNewMessage, protocol.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "p1",
		ReceiverID:     "self",
		Content:        "ping",
		CreatedAt:      now.Add(time.Minute),
	})

	got := cl.Conversations()
	require.Len(t, got, 2)
	// Patched in place, promoted to the top, unread bumped.
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, 1, got[0].UnreadCount)
	require.NotNil(t, got[0].LastMessage)
	assert.Equal(t, "ping", got[0].LastMessage.Content)
}

func TestListOwnEchoDoesNotBumpUnread(t *testing.T) {
	now := time.Now().UTC()
	sess := newFakeSession("self")
	cl := listWith(t, sess, conv("c1", "p1", "Ann", now.Add(-time.Hour), 0))

	sess.emit(t, protocol.EventMessageSent, protocol.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "self",
		ReceiverID:     "p1",
		Content:        "pong",
		CreatedAt:      now,
	})

	got := cl.Conversations()
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].UnreadCount)
	require.NotNil(t, got[0].LastMessage)
	assert.Equal(t, "pong", got[0].LastMessage.Content)
}

func TestListSynthesizesUnknownConversation(t *testing.T) {
	now := time.Now().UTC()
	sess := newFakeSession("self")
	cl := listWith(t, sess, conv("c1", "p1", "Ann", now.Add(-time.Hour), 0))

	// First contact from a stranger; the push carries a full profile, so no
	// refetch is needed.
	sess.emit(t, protocol.EventNewMessage, protocol.Message{
		ID:             "m9",
		ConversationID: "c-new",
		SenderID:       "p9",
		ReceiverID:     "self",
		Content:        "hello there",
		CreatedAt:      now,
		Sender:         &protocol.UserProfile{ID: "p9", FirstName: "Nina", LastName: "K"},
	})

	got := cl.Conversations()
	require.Len(t, got, 2)
	assert.Equal(t, "c-new", got[0].ID)
	assert.Equal(t, "Nina", got[0].Participant.FirstName)
	assert.Equal(t, 1, got[0].UnreadCount)
	// No fallback fetch happened.
	assert.Equal(t, []string{protocol.CommandConversationList}, sess.invokedCommands())
}

func TestListThinPayloadForcesReload(t *testing.T) {
	now := time.Now().UTC()
	sess := newFakeSession("self")
	cl := listWith(t, sess, conv("c1", "p1", "Ann", now.Add(-time.Hour), 0))

	// Unknown conversation, no embedded profile: the controller cannot
	// synthesize a row and must refetch.
	sess.emit(t, protocol.EventNewMessage, protocol.Message{
		ID:             "m9",
		ConversationID: "c-new",
		SenderID:       "p9",
		ReceiverID:     "self",
		Content:        "hello",
		CreatedAt:      now,
	})

	require.Eventually(t, func() bool {
		return len(sess.invokedCommands()) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.CommandConversationList, sess.invokedCommands()[1])
	_ = cl
}

func TestListConversationUpdatedPatches(t *testing.T) {
	now := time.Now().UTC()
	sess := newFakeSession("self")
	cl := listWith(t, sess,
		conv("c1", "p1", "Ann", now.Add(-time.Hour), 0),
		conv("c2", "p2", "Bea", now, 0),
	)

	sess.emit(t, protocol.EventConversationUpdated, protocol.Conversation{
		ID:          "c1",
		UpdatedAt:   now.Add(time.Minute),
		UnreadCount: 3,
		LastMessage: &protocol.MessageSummary{Content: "latest", SenderID: "p1", CreatedAt: now.Add(time.Minute)},
	})

	got := cl.Conversations()
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, 3, got[0].UnreadCount)
	assert.Equal(t, "latest", got[0].LastMessage.Content)
}

func TestListFilterByName(t *testing.T) {
	now := time.Now().UTC()
	sess := newFakeSession("self")

	rows := []protocol.Conversation{
		conv("c1", "p1", "Annabel", now, 0),
		conv("c2", "p2", "Bea", now.Add(-time.Minute), 0),
	}
	sess.invoke = func(command string, payload, result any) error {
		resp := result.(*protocol.ConversationListResponse)
		resp.Results = append([]protocol.Conversation(nil), rows...)
		resp.Pagination = protocol.Pagination{Page: 1, Limit: 50, TotalPages: 1, TotalResult: 2}
		return nil
	}
	cl := NewConversationList(sess)
	t.Cleanup(cl.Close)

	got, err := cl.Load(context.Background(), "anna")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
}

func TestListLoadMoreDeduplicates(t *testing.T) {
	now := time.Now().UTC()
	sess := newFakeSession("self")

	pages := map[int][]protocol.Conversation{
		1: {conv("c1", "p1", "Ann", now, 0), conv("c2", "p2", "Bea", now.Add(-time.Minute), 0)},
		// Page 2 overlaps page 1 because a new conversation shifted rows.
		2: {conv("c2", "p2", "Bea", now.Add(-time.Minute), 0), conv("c3", "p3", "Cal", now.Add(-2*time.Minute), 0)},
	}
	sess.invoke = func(command string, payload, result any) error {
		req := payload.(*protocol.ConversationListRequest)
		resp := result.(*protocol.ConversationListResponse)
		resp.Results = append([]protocol.Conversation(nil), pages[req.Page]...)
		resp.Pagination = protocol.Pagination{Page: req.Page, Limit: 2, TotalPages: 2, TotalResult: 3}
		return nil
	}
	cl := NewConversationList(sess)
	t.Cleanup(cl.Close)

	_, err := cl.Load(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, cl.LoadMore(context.Background()))

	got := cl.Conversations()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestListSubscribeNotifies(t *testing.T) {
	now := time.Now().UTC()
	sess := newFakeSession("self")
	cl := listWith(t, sess, conv("c1", "p1", "Ann", now, 0))

	notified := make(chan struct{}, 4)
	off := cl.Subscribe(func() { notified <- struct{}{} })
	defer off()

	sess.emit(t, protocol.EventNewMessage, protocol.Message{
		ID: "m1", ConversationID: "c1", SenderID: "p1", ReceiverID: "self",
		Content: "hi", CreatedAt: now.Add(time.Second),
	})

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}
