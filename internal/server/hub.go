// Package server implements the messaging side of the reference backend: a
// registry of live user connections, per-connection pumps, and the handlers
// behind every socket command and signal.
package server

import (
	"encoding/json"
	"sync"

	"chatbridge/pkg/logger"
	"chatbridge/protocol"
)

// Hub tracks live sessions by user. A user may hold several connections
// (multiple tabs/devices); presence flips only on the first and the last.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*Session]bool
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[*Session]bool)}
}

// Register adds a session; first reports whether this is the user's first
// live connection.
func (h *Hub) Register(s *Session) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[s.user.ID]
	if set == nil {
		set = make(map[*Session]bool)
		h.sessions[s.user.ID] = set
	}
	set[s] = true
	return len(set) == 1
}

// Unregister drops a session; last reports whether the user went offline.
func (h *Hub) Unregister(s *Session) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[s.user.ID]
	if set == nil || !set[s] {
		return false
	}
	delete(set, s)
	s.stop()
	if len(set) == 0 {
		delete(h.sessions, s.user.ID)
		return true
	}
	return false
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[userID]) > 0
}

func (h *Hub) OnlineUserIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	return out
}

// SendToUser pushes a frame to every connection of one user.
func (h *Hub) SendToUser(userID string, f protocol.Frame) {
	h.sendTo(userID, nil, f)
}

// SendToOthers pushes a frame to the user's connections except one, used for
// local-echo fan-out to a sender's other devices.
func (h *Hub) SendToOthers(userID string, except *Session, f protocol.Frame) {
	h.sendTo(userID, except, f)
}

// BroadcastExcept pushes a frame to every connection of every user but one,
// used for presence flips.
func (h *Hub) BroadcastExcept(userID string, f protocol.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		logger.Error("Error marshaling broadcast frame: %v", err)
		return
	}

	h.mu.Lock()
	var targets []*Session
	for id, set := range h.sessions {
		if id == userID {
			continue
		}
		for s := range set {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.enqueue(data)
	}
}

func (h *Hub) sendTo(userID string, except *Session, f protocol.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		logger.Error("Error marshaling frame: %v", err)
		return
	}

	h.mu.Lock()
	var targets []*Session
	for s := range h.sessions[userID] {
		if s != except {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.enqueue(data)
	}
}
