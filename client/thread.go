package client

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatbridge/protocol"
)

// Thread manages the open 1:1 conversation: paged history kept in ascending
// time order, live edits/deletes/reactions/seen-state, the counterpart's
// typing and online indicators, and the outbound send/typing flow.
//
// Sends are not optimistic: a message appears only after the server ack, and
// a failed send returns the error without touching any state, so the caller's
// draft survives for retry.
type Thread struct {
	sess       Session
	log        *zap.Logger
	typingIdle time.Duration

	mu          sync.Mutex
	counterpart string
	epoch       int // bumped on Open/Close; stale events and fetches check it
	msgs        []protocol.Message
	page        protocol.Pagination
	peerTyping  bool
	peerOnline  bool

	typingActive bool
	typingTimer  *time.Timer

	subMu   sync.Mutex
	subNext int
	subs    map[int]func()

	offs []func()
}

// ThreadOption configures a Thread.
type ThreadOption func(*Thread)

// WithThreadLogger attaches a logger; the default discards everything.
func WithThreadLogger(l *zap.Logger) ThreadOption {
	return func(t *Thread) {
		if l != nil {
			t.log = l
		}
	}
}

// WithThreadTypingIdle overrides the 1s typing-stop debounce window.
func WithThreadTypingIdle(d time.Duration) ThreadOption {
	return func(t *Thread) {
		if d > 0 {
			t.typingIdle = d
		}
	}
}

// NewThread builds the controller and subscribes it to thread-scoped push
// events. Events are filtered by the currently open counterpart, so one
// Thread instance serves the whole screen across Open calls.
func NewThread(sess Session, opts ...ThreadOption) *Thread {
	t := &Thread{
		sess:       sess,
		log:        zap.NewNop(),
		typingIdle: DefaultTypingIdle,
		subs:       make(map[int]func()),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.offs = []func(){
		sess.On(protocol.EventNewMessage, t.onNewMessage),
		sess.On(protocol.EventMessageSeen, t.onMessageSeen),
		sess.On(protocol.EventMessageUpdated, t.onMessageUpdated),
		sess.On(protocol.EventMessageDeleted, t.onMessageDeleted),
		sess.On(protocol.EventReactionAdded, t.onReaction),
		sess.On(protocol.EventReactionRemoved, t.onReaction),
		sess.On(protocol.EventUserTyping, t.onUserTyping),
		sess.On(protocol.EventUserOnline, t.onUserOnline),
	}
	return t
}

// Open switches the thread to a counterpart: fetch history page 1, mark the
// thread seen, seed the online indicator, reset typing. Events and late fetch
// results for the previously open counterpart are discarded from here on.
func (t *Thread) Open(ctx context.Context, counterpartID string) error {
	t.mu.Lock()
	t.epoch++
	epoch := t.epoch
	t.counterpart = counterpartID
	t.msgs = nil
	t.page = protocol.Pagination{}
	t.peerTyping = false
	t.peerOnline = t.sess.IsOnline(counterpartID)
	t.stopTypingLocked()
	t.mu.Unlock()

	req := protocol.GetMessagesRequest{ReceiverID: counterpartID}
	req.Normalize()
	var resp protocol.MessagesResponse
	if err := t.sess.Invoke(ctx, protocol.CommandGetMessages, &req, &resp); err != nil {
		return err
	}

	t.mu.Lock()
	if t.epoch != epoch {
		// The user already switched away; drop the late page.
		t.mu.Unlock()
		return nil
	}
	t.msgs = resp.Results
	t.page = resp.Pagination
	sortAscending(t.msgs)
	t.mu.Unlock()
	t.notify()

	// The thread is on screen now, so reading it is implied. Best effort:
	// a failed receipt does not block opening.
	if err := t.sess.Invoke(ctx, protocol.CommandMarkSeen, &protocol.MarkSeenRequest{ReceiverID: counterpartID}, nil); err != nil {
		t.log.Debug("mark-seen on open failed", zap.Error(err))
	}
	return nil
}

// Close abandons the open thread and cancels interest in its events.
func (t *Thread) Close() {
	t.mu.Lock()
	t.epoch++
	counterpart := t.counterpart
	t.counterpart = ""
	t.msgs = nil
	t.peerTyping = false
	wasTyping := t.typingActive
	t.stopTypingLocked()
	t.mu.Unlock()

	if wasTyping && counterpart != "" {
		_ = t.sess.Signal(protocol.SignalTypingStop, protocol.TypingSignal{ReceiverID: counterpart})
	}
}

// Detach additionally unhooks the controller from the session event stream.
func (t *Thread) Detach() {
	t.Close()
	for _, off := range t.offs {
		off()
	}
	t.offs = nil
}

// Send delivers a text draft and appends the acknowledged message. Nothing is
// shown before the ack; on error the caller keeps the draft.
func (t *Thread) Send(ctx context.Context, text string) (protocol.Message, error) {
	return t.SendDraft(ctx, protocol.Draft{Content: text, Kind: protocol.KindText})
}

// SendDraft is Send for non-text content (images, documents).
func (t *Thread) SendDraft(ctx context.Context, draft protocol.Draft) (protocol.Message, error) {
	t.mu.Lock()
	counterpart := t.counterpart
	epoch := t.epoch
	t.mu.Unlock()
	if counterpart == "" {
		return protocol.Message{}, ErrNoOpenThread
	}

	req := protocol.SendMessageRequest{ReceiverID: counterpart, Message: draft}
	var msg protocol.Message
	if err := t.sess.Invoke(ctx, protocol.CommandSendMessage, &req, &msg); err != nil {
		return protocol.Message{}, err
	}

	t.mu.Lock()
	if t.epoch == epoch {
		// The new-message push for our own send may have raced the ack;
		// insert dedupes by id either way.
		t.insertLocked(msg)
	}
	t.mu.Unlock()
	t.notify()
	return msg, nil
}

// LoadMore prepends the next (older) history page.
func (t *Thread) LoadMore(ctx context.Context) error {
	t.mu.Lock()
	counterpart := t.counterpart
	epoch := t.epoch
	req := protocol.GetMessagesRequest{
		ReceiverID: counterpart,
		Page:       t.page.Page + 1,
		Limit:      t.page.Limit,
	}
	t.mu.Unlock()
	if counterpart == "" {
		return ErrNoOpenThread
	}
	req.Normalize()

	var resp protocol.MessagesResponse
	if err := t.sess.Invoke(ctx, protocol.CommandGetMessages, &req, &resp); err != nil {
		return err
	}

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return nil
	}
	for _, m := range resp.Results {
		t.insertLocked(m)
	}
	t.page = resp.Pagination
	t.mu.Unlock()
	t.notify()
	return nil
}

// Search runs a server-side search within the open thread. Results are
// returned, not merged into the visible history.
func (t *Thread) Search(ctx context.Context, term string, page int) (protocol.MessagesResponse, error) {
	t.mu.Lock()
	counterpart := t.counterpart
	t.mu.Unlock()
	if counterpart == "" {
		return protocol.MessagesResponse{}, ErrNoOpenThread
	}

	req := protocol.SearchMessagesRequest{ReceiverID: counterpart, SearchTerm: term, Page: page}
	req.Normalize()
	var resp protocol.MessagesResponse
	if err := t.sess.Invoke(ctx, protocol.CommandSearchMessages, &req, &resp); err != nil {
		return protocol.MessagesResponse{}, err
	}
	return resp, nil
}

// Edit rewrites one of our messages and patches it on ack.
func (t *Thread) Edit(ctx context.Context, messageID, content string) error {
	var msg protocol.Message
	req := protocol.UpdateMessageRequest{MessageID: messageID, Message: content}
	if err := t.sess.Invoke(ctx, protocol.CommandUpdateMessage, &req, &msg); err != nil {
		return err
	}
	t.replaceByID(msg)
	return nil
}

// Delete removes a message server-side and drops it locally on ack.
func (t *Thread) Delete(ctx context.Context, messageID string) error {
	req := protocol.DeleteMessageRequest{MessageID: messageID}
	if err := t.sess.Invoke(ctx, protocol.CommandDeleteMessage, &req, nil); err != nil {
		return err
	}
	t.removeByID(messageID)
	return nil
}

// React sets our reaction on a message; the ack returns the updated message.
func (t *Thread) React(ctx context.Context, messageID, emoji string) error {
	var msg protocol.Message
	req := protocol.AddReactionRequest{MessageID: messageID, Emoji: emoji}
	if err := t.sess.Invoke(ctx, protocol.CommandAddReaction, &req, &msg); err != nil {
		return err
	}
	t.replaceByID(msg)
	return nil
}

// Unreact clears our reaction on a message.
func (t *Thread) Unreact(ctx context.Context, messageID string) error {
	var msg protocol.Message
	req := protocol.RemoveReactionRequest{MessageID: messageID}
	if err := t.sess.Invoke(ctx, protocol.CommandRemoveReaction, &req, &msg); err != nil {
		return err
	}
	t.replaceByID(msg)
	return nil
}

// InputActivity records a local keystroke: typing-start fires on the leading
// edge of a burst, typing-stop exactly once after typingIdle of inactivity.
func (t *Thread) InputActivity() {
	t.mu.Lock()
	counterpart := t.counterpart
	epoch := t.epoch
	if counterpart == "" {
		t.mu.Unlock()
		return
	}

	start := !t.typingActive
	t.typingActive = true
	if t.typingTimer != nil {
		t.typingTimer.Stop()
	}
	t.typingTimer = time.AfterFunc(t.typingIdle, func() {
		t.typingIdleExpired(counterpart, epoch)
	})
	t.mu.Unlock()

	if start {
		if err := t.sess.Signal(protocol.SignalTypingStart, protocol.TypingSignal{ReceiverID: counterpart}); err != nil {
			t.log.Debug("typing-start signal failed", zap.Error(err))
		}
	}
}

func (t *Thread) typingIdleExpired(counterpart string, epoch int) {
	t.mu.Lock()
	if t.epoch != epoch || !t.typingActive {
		t.mu.Unlock()
		return
	}
	t.typingActive = false
	t.typingTimer = nil
	t.mu.Unlock()

	if err := t.sess.Signal(protocol.SignalTypingStop, protocol.TypingSignal{ReceiverID: counterpart}); err != nil {
		t.log.Debug("typing-stop signal failed", zap.Error(err))
	}
}

// stopTypingLocked cancels the debounce without emitting anything.
func (t *Thread) stopTypingLocked() {
	if t.typingTimer != nil {
		t.typingTimer.Stop()
		t.typingTimer = nil
	}
	t.typingActive = false
}

// Messages returns the visible history, oldest first.
func (t *Thread) Messages() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Counterpart returns the open counterpart id, empty when closed.
func (t *Thread) Counterpart() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counterpart
}

// CounterpartTyping reports the inbound typing indicator.
func (t *Thread) CounterpartTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerTyping
}

// CounterpartOnline reports the online indicator seeded on Open and kept
// live by presence events.
func (t *Thread) CounterpartOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerOnline
}

// Subscribe registers a change notification.
func (t *Thread) Subscribe(fn func()) (off func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subNext++
	id := t.subNext
	t.subs[id] = fn
	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Thread) onNewMessage(payload json.RawMessage) {
	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.log.Debug("bad new-message payload", zap.Error(err))
		return
	}

	t.mu.Lock()
	counterpart := t.counterpart
	if counterpart == "" || (msg.SenderID != counterpart && msg.ReceiverID != counterpart) {
		t.mu.Unlock()
		return
	}
	t.insertLocked(msg)
	inbound := msg.SenderID == counterpart
	t.mu.Unlock()
	t.notify()

	if inbound {
		// The thread is actively open, so the message is read on arrival.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			req := protocol.MarkSeenRequest{ReceiverID: counterpart}
			if err := t.sess.Invoke(ctx, protocol.CommandMarkSeen, &req, nil); err != nil {
				t.log.Debug("mark-seen failed", zap.Error(err))
			}
		}()
	}
}

func (t *Thread) onMessageSeen(payload json.RawMessage) {
	var ev protocol.SeenEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}

	t.mu.Lock()
	if t.counterpart == "" || ev.SeenBy != t.counterpart {
		t.mu.Unlock()
		return
	}
	// Bulk transition: the counterpart read the whole thread.
	for i := range t.msgs {
		t.msgs[i].Status = protocol.StatusSeen
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Thread) onMessageUpdated(payload json.RawMessage) {
	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	t.replaceByID(msg)
}

func (t *Thread) onMessageDeleted(payload json.RawMessage) {
	var ev protocol.MessageDeletedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	t.removeByID(ev.MessageID)
}

func (t *Thread) onReaction(payload json.RawMessage) {
	var ev protocol.ReactionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}

	t.mu.Lock()
	changed := false
	for i := range t.msgs {
		if t.msgs[i].ID == ev.MessageID {
			t.msgs[i].Reactions = ev.Reactions
			changed = true
			break
		}
	}
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

func (t *Thread) onUserTyping(payload json.RawMessage) {
	var ev protocol.TypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}

	t.mu.Lock()
	if t.counterpart == "" || ev.UserID != t.counterpart {
		t.mu.Unlock()
		return
	}
	// No debounce on the receiving side; the indicator follows the event.
	t.peerTyping = ev.IsTyping
	t.mu.Unlock()
	t.notify()
}

func (t *Thread) onUserOnline(payload json.RawMessage) {
	var ev protocol.PresenceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}

	t.mu.Lock()
	if t.counterpart == "" || ev.UserID != t.counterpart {
		t.mu.Unlock()
		return
	}
	t.peerOnline = ev.IsOnline
	t.mu.Unlock()
	t.notify()
}

// insertLocked adds a message keeping ascending createdAt order, dropping
// duplicates by id. Equal timestamps keep arrival order (stable insert).
func (t *Thread) insertLocked(msg protocol.Message) {
	for i := range t.msgs {
		if t.msgs[i].ID == msg.ID {
			return
		}
	}
	pos := len(t.msgs)
	for pos > 0 && t.msgs[pos-1].CreatedAt.After(msg.CreatedAt) {
		pos--
	}
	t.msgs = append(t.msgs, protocol.Message{})
	copy(t.msgs[pos+1:], t.msgs[pos:])
	t.msgs[pos] = msg
}

func (t *Thread) replaceByID(msg protocol.Message) {
	t.mu.Lock()
	changed := false
	for i := range t.msgs {
		if t.msgs[i].ID == msg.ID {
			t.msgs[i] = msg
			changed = true
			break
		}
	}
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

func (t *Thread) removeByID(messageID string) {
	t.mu.Lock()
	changed := false
	for i := range t.msgs {
		if t.msgs[i].ID == messageID {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			changed = true
			break
		}
	}
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

func (t *Thread) notify() {
	t.subMu.Lock()
	fns := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func sortAscending(msgs []protocol.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
