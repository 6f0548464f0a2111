package client

import (
	"context"
	"sync"

	"chatbridge/protocol"
)

// presenceTracker holds the set of currently-online users. It is mutated only
// by inbound user:online events (plus an explicit SyncOnline), and it is NOT
// cleared on reconnect: presence is stale-until-refreshed after a drop.
type presenceTracker struct {
	mu     sync.RWMutex
	online map[string]bool

	subMu   sync.Mutex
	subNext int
	subs    map[int]func(userID string, online bool, profile *protocol.UserProfile)
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{
		online: make(map[string]bool),
		subs:   make(map[int]func(string, bool, *protocol.UserProfile)),
	}
}

func (p *presenceTracker) apply(ev protocol.PresenceEvent) {
	if ev.UserID == "" {
		return
	}
	p.mu.Lock()
	if ev.IsOnline {
		p.online[ev.UserID] = true
	} else {
		delete(p.online, ev.UserID)
	}
	p.mu.Unlock()

	p.subMu.Lock()
	fns := make([]func(string, bool, *protocol.UserProfile), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		fn(ev.UserID, ev.IsOnline, ev.Profile)
	}
}

func (p *presenceTracker) isOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[userID]
}

func (p *presenceTracker) ids() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	return out
}

func (p *presenceTracker) replace(ids []string) {
	next := make(map[string]bool, len(ids))
	for _, id := range ids {
		next[id] = true
	}
	p.mu.Lock()
	p.online = next
	p.mu.Unlock()
}

func (p *presenceTracker) reset() {
	p.mu.Lock()
	p.online = make(map[string]bool)
	p.mu.Unlock()
}

func (p *presenceTracker) subscribe(fn func(string, bool, *protocol.UserProfile)) (off func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.subNext++
	id := p.subNext
	p.subs[id] = fn
	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		delete(p.subs, id)
	}
}

// IsOnline answers synchronously from the in-memory set.
func (c *Client) IsOnline(userID string) bool {
	return c.presence.isOnline(userID)
}

// OnlineUsers lists every user currently known to be online.
func (c *Client) OnlineUsers() []string {
	return c.presence.ids()
}

// SubscribePresence registers for presence flips.
func (c *Client) SubscribePresence(fn func(userID string, online bool, profile *protocol.UserProfile)) (off func()) {
	return c.presence.subscribe(fn)
}

// SyncOnline refreshes the set from the server, useful after a reconnect
// while waiting for fresh presence events.
func (c *Client) SyncOnline(ctx context.Context) error {
	var resp protocol.OnlineUsersResponse
	if err := c.Invoke(ctx, protocol.CommandGetOnlineUsers, nil, &resp); err != nil {
		return err
	}
	c.presence.replace(resp.UserIDs)
	return nil
}
