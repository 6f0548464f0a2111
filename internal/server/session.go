package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatbridge/internal/models"
	"chatbridge/pkg/logger"
	"chatbridge/protocol"
)

const (
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	writeWait   = 10 * time.Second
	commandWait = 15 * time.Second
	sendBacklog = 256
)

// Session is one live websocket connection of an authenticated user.
type Session struct {
	hub  *Hub
	svc  *Service
	conn *websocket.Conn
	user *models.User

	send    chan []byte
	done    chan struct{}
	stopOne sync.Once

	limiter *rateLimiter
}

func NewSession(hub *Hub, svc *Service, conn *websocket.Conn, user *models.User) *Session {
	return &Session{
		hub:     hub,
		svc:     svc,
		conn:    conn,
		user:    user,
		send:    make(chan []byte, sendBacklog),
		done:    make(chan struct{}),
		limiter: newRateLimiter(svc.rateLimit, time.Minute),
	}
}

func (s *Session) User() *models.User { return s.user }

// stop wakes the write pump and makes further enqueues no-ops. Safe to call
// more than once.
func (s *Session) stop() {
	s.stopOne.Do(func() { close(s.done) })
}

// enqueue hands a marshaled frame to the write pump. Frames to a backlogged
// connection are dropped; the ping/pong deadline will reap it if it is dead.
func (s *Session) enqueue(data []byte) {
	select {
	case <-s.done:
	case s.send <- data:
	default:
		logger.Debug("Dropping frame for slow connection of user %s", s.user.ID)
	}
}

// Push marshals and enqueues an event frame for this session only.
func (s *Session) Push(f protocol.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		logger.Error("Error marshaling frame: %v", err)
		return
	}
	s.enqueue(data)
}

func (s *Session) ReadPump() {
	defer func() {
		if last := s.hub.Unregister(s); last {
			s.svc.BroadcastPresence(s.user, false)
		}
		s.conn.Close()
	}()

	// Read deadline refreshed by pongs keeps half-dead connections bounded.
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f protocol.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error: %v", err)
			}
			return
		}

		switch f.Type {
		case protocol.FrameCommand:
			s.handleCommand(f)
		case protocol.FrameSignal:
			s.svc.HandleSignal(s, f.Name, f.Payload)
		default:
			logger.Debug("Ignoring frame type %q from user %s", f.Type, s.user.ID)
		}
	}
}

func (s *Session) handleCommand(f protocol.Frame) {
	if !s.limiter.allow() {
		retry := s.limiter.retryAfter()
		if ev, err := protocol.NewEvent(protocol.EventRateLimited, protocol.RateLimitEvent{
			Event:      f.Name,
			RetryAfter: int(retry.Seconds()),
		}); err == nil {
			s.Push(ev)
		}
		s.Push(protocol.NewNack(f.Seq, "rate limited"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandWait)
	defer cancel()

	result, err := s.svc.HandleCommand(ctx, s, f.Name, f.Payload)
	if err != nil {
		logger.Debug("Command %s from user %s failed: %v", f.Name, s.user.ID, err)
		s.Push(protocol.NewNack(f.Seq, err.Error()))
		return
	}

	ack, err := protocol.NewAck(f.Seq, result)
	if err != nil {
		logger.Error("Error marshaling ack for %s: %v", f.Name, err)
		s.Push(protocol.NewNack(f.Seq, "internal error"))
		return
	}
	s.Push(ack)
}

func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error: %v", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// rateLimiter is a fixed-window counter per connection. The budget is small
// enough that a fancier algorithm buys nothing here.
type rateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	count    int
	windowAt time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window, windowAt: time.Now()}
}

func (r *rateLimiter) allow() bool {
	if r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.windowAt) >= r.window {
		r.windowAt = now
		r.count = 0
	}
	if r.count >= r.limit {
		return false
	}
	r.count++
	return true
}

func (r *rateLimiter) retryAfter() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	rest := r.window - time.Since(r.windowAt)
	if rest < 0 {
		return 0
	}
	return rest
}
