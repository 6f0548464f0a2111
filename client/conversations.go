package client

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatbridge/protocol"
)

// reconcileOutcome tags the result of applying a push event to the cached
// list: the row was patched in place, a row was synthesized from the event's
// embedded profile, or the payload was too thin and a full reload is needed.
type reconcileOutcome int

const (
	reconcilePatched reconcileOutcome = iota
	reconcileSynthesized
	reconcileNeedsReload
)

// ConversationList keeps the inbox live: a one-shot Load plus incremental
// reconciliation of message and conversation push events, always sorted by
// recency. It is the sole mutator of its state; readers get copies.
type ConversationList struct {
	sess Session
	log  *zap.Logger

	mu     sync.Mutex
	items  []protocol.Conversation
	filter string
	page   protocol.Pagination

	subMu   sync.Mutex
	subNext int
	subs    map[int]func()

	offs []func()
}

// ListOption configures a ConversationList.
type ListOption func(*ConversationList)

// WithListLogger attaches a logger; the default discards everything.
func WithListLogger(l *zap.Logger) ListOption {
	return func(cl *ConversationList) {
		if l != nil {
			cl.log = l
		}
	}
}

// NewConversationList builds the controller and subscribes it to the push
// events that can change the inbox. Call Close to detach.
func NewConversationList(sess Session, opts ...ListOption) *ConversationList {
	cl := &ConversationList{
		sess: sess,
		log:  zap.NewNop(),
		subs: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(cl)
	}

	cl.offs = []func(){
		sess.On(protocol.EventNewMessage, cl.onNewMessage),
		sess.On(protocol.EventMessageSent, cl.onMessageSent),
		sess.On(protocol.EventConversationUpdated, cl.onConversationUpdated),
		sess.On(protocol.EventUnviewedCount, cl.onUnviewedCount),
	}
	return cl
}

// Close detaches the controller from the session's event stream.
func (cl *ConversationList) Close() {
	for _, off := range cl.offs {
		off()
	}
	cl.offs = nil
}

// Load replaces the in-memory list with a fresh page from the server. An
// empty searchTerm returns the unfiltered page.
func (cl *ConversationList) Load(ctx context.Context, searchTerm string) ([]protocol.Conversation, error) {
	req := protocol.ConversationListRequest{SearchTerm: searchTerm}
	req.Normalize()

	var resp protocol.ConversationListResponse
	if err := cl.sess.Invoke(ctx, protocol.CommandConversationList, &req, &resp); err != nil {
		return nil, err
	}

	cl.mu.Lock()
	cl.filter = searchTerm
	cl.items = resp.Results
	cl.page = resp.Pagination
	cl.sortLocked()
	out := cl.snapshotLocked()
	cl.mu.Unlock()

	cl.notify()
	return out, nil
}

// LoadMore appends the next page, keeping order and deduplicating by id.
func (cl *ConversationList) LoadMore(ctx context.Context) error {
	cl.mu.Lock()
	req := protocol.ConversationListRequest{
		Page:       cl.page.Page + 1,
		Limit:      cl.page.Limit,
		SearchTerm: cl.filter,
	}
	cl.mu.Unlock()
	req.Normalize()

	var resp protocol.ConversationListResponse
	if err := cl.sess.Invoke(ctx, protocol.CommandConversationList, &req, &resp); err != nil {
		return err
	}

	cl.mu.Lock()
	seen := make(map[string]bool, len(cl.items))
	for _, c := range cl.items {
		seen[c.ID] = true
	}
	for _, c := range resp.Results {
		if !seen[c.ID] {
			cl.items = append(cl.items, c)
		}
	}
	cl.page = resp.Pagination
	cl.sortLocked()
	cl.mu.Unlock()

	cl.notify()
	return nil
}

// Conversations returns the current list, newest first, with the active
// search term applied as a case-insensitive name match.
func (cl *ConversationList) Conversations() []protocol.Conversation {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.snapshotLocked()
}

// Pagination returns the envelope of the last fetched page.
func (cl *ConversationList) Pagination() protocol.Pagination {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.page
}

// Subscribe registers a change notification; the callback carries no data,
// read the list via Conversations.
func (cl *ConversationList) Subscribe(fn func()) (off func()) {
	cl.subMu.Lock()
	defer cl.subMu.Unlock()
	cl.subNext++
	id := cl.subNext
	cl.subs[id] = fn
	return func() {
		cl.subMu.Lock()
		defer cl.subMu.Unlock()
		delete(cl.subs, id)
	}
}

func (cl *ConversationList) onNewMessage(payload json.RawMessage) {
	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		cl.log.Debug("bad new-message payload", zap.Error(err))
		return
	}
	switch cl.applyMessage(msg, true) {
	case reconcileNeedsReload:
		cl.reload()
	default:
		cl.notify()
	}
}

func (cl *ConversationList) onMessageSent(payload json.RawMessage) {
	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		cl.log.Debug("bad message-sent payload", zap.Error(err))
		return
	}
	// The local echo confirms a send from this account. If the conversation
	// is unknown the server just assigned its metadata; fetch it rather than
	// synthesize from our own profile.
	if cl.patchExisting(msg) {
		cl.notify()
		return
	}
	cl.reload()
}

func (cl *ConversationList) onConversationUpdated(payload json.RawMessage) {
	var conv protocol.Conversation
	if err := json.Unmarshal(payload, &conv); err != nil {
		cl.log.Debug("bad conversation-updated payload", zap.Error(err))
		return
	}

	cl.mu.Lock()
	patched := false
	for i := range cl.items {
		if cl.items[i].ID == conv.ID {
			if conv.LastMessage != nil {
				cl.items[i].LastMessage = conv.LastMessage
			}
			if !conv.UpdatedAt.IsZero() {
				cl.items[i].UpdatedAt = conv.UpdatedAt
			}
			if conv.UnreadCount > 0 {
				cl.items[i].UnreadCount = conv.UnreadCount
			}
			patched = true
			break
		}
	}
	if patched {
		cl.sortLocked()
	}
	cl.mu.Unlock()

	if patched {
		cl.notify()
		return
	}
	cl.reload()
}

func (cl *ConversationList) onUnviewedCount(json.RawMessage) {
	// Counts are not patched incrementally; refresh the whole list.
	cl.reload()
}

// applyMessage reconciles an inbound or outbound message against the list.
// inbound synthesizes an unread count of 1 for a brand-new conversation.
func (cl *ConversationList) applyMessage(msg protocol.Message, countUnread bool) reconcileOutcome {
	if cl.patchExisting(msg) {
		return reconcilePatched
	}

	if msg.ConversationID == "" {
		return reconcileNeedsReload
	}
	counterpart := msg.Counterpart(cl.sess.UserID())
	if counterpart == nil || !counterpart.Complete() {
		// The push payload is too thin to name the other side; reload
		// instead of guessing.
		return reconcileNeedsReload
	}

	conv := protocol.Conversation{
		ID:          msg.ConversationID,
		Participant: *counterpart,
		LastMessage: summaryOf(msg),
		CreatedAt:   msg.CreatedAt,
		UpdatedAt:   msg.CreatedAt,
	}
	if countUnread && msg.SenderID != cl.sess.UserID() {
		conv.UnreadCount = 1
	}

	cl.mu.Lock()
	cl.items = append(cl.items, conv)
	cl.sortLocked()
	cl.mu.Unlock()
	return reconcileSynthesized
}

// patchExisting updates the matching row's preview and recency and re-sorts.
func (cl *ConversationList) patchExisting(msg protocol.Message) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for i := range cl.items {
		if cl.items[i].ID != msg.ConversationID {
			continue
		}
		cl.items[i].LastMessage = summaryOf(msg)
		cl.items[i].UpdatedAt = msg.CreatedAt
		if msg.SenderID != cl.sess.UserID() {
			cl.items[i].UnreadCount++
		}
		cl.sortLocked()
		return true
	}
	return false
}

// reload refreshes the list in the background, keeping the active filter.
// Load failures are logged: the stale list is better than losing it.
func (cl *ConversationList) reload() {
	cl.mu.Lock()
	term := cl.filter
	cl.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := cl.Load(ctx, term); err != nil {
			cl.log.Error("conversation list reload failed", zap.Error(err))
		}
	}()
}

// sortLocked orders by recency descending. The sort is stable: rows with
// equal timestamps keep their fetch order.
func (cl *ConversationList) sortLocked() {
	sort.SliceStable(cl.items, func(i, j int) bool {
		return cl.items[i].SortTime().After(cl.items[j].SortTime())
	})
}

func (cl *ConversationList) snapshotLocked() []protocol.Conversation {
	out := make([]protocol.Conversation, 0, len(cl.items))
	for _, c := range cl.items {
		if cl.filter == "" || matchesName(c, cl.filter) {
			out = append(out, c)
		}
	}
	return out
}

func (cl *ConversationList) notify() {
	cl.subMu.Lock()
	fns := make([]func(), 0, len(cl.subs))
	for _, fn := range cl.subs {
		fns = append(fns, fn)
	}
	cl.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func matchesName(c protocol.Conversation, term string) bool {
	return strings.Contains(strings.ToLower(c.Participant.FullName()), strings.ToLower(term))
}

func summaryOf(msg protocol.Message) *protocol.MessageSummary {
	return &protocol.MessageSummary{
		Content:   msg.Content,
		SenderID:  msg.SenderID,
		CreatedAt: msg.CreatedAt,
	}
}
