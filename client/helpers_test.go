package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chatbridge/protocol"
)

// fakeServer is a scripted websocket peer. Each command frame goes through
// handle (default: empty ack); signal frames are collected for assertions.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	conns      []*websocket.Conn
	dials      int
	rejectAuth bool
	failDials  int
	handle     func(conn *websocket.Conn, f protocol.Frame)
	signals    []protocol.Frame
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t}
	fs.handle = func(conn *websocket.Conn, f protocol.Frame) {
		fs.ack(conn, f.Seq, nil)
	}

	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.dials++
		reject := fs.rejectAuth
		fail := fs.failDials > 0
		if fail {
			fs.failDials--
		}
		fs.mu.Unlock()
		if reject || r.URL.Query().Get("token") == "" {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		go fs.serve(conn)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) serve(conn *websocket.Conn) {
	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case protocol.FrameCommand:
			fs.mu.Lock()
			h := fs.handle
			fs.mu.Unlock()
			h(conn, f)
		case protocol.FrameSignal:
			fs.mu.Lock()
			fs.signals = append(fs.signals, f)
			fs.mu.Unlock()
		}
	}
}

func (fs *fakeServer) url() string { return fs.srv.URL }

func (fs *fakeServer) setHandler(h func(conn *websocket.Conn, f protocol.Frame)) {
	fs.mu.Lock()
	fs.handle = h
	fs.mu.Unlock()
}

func (fs *fakeServer) setRejectAuth(v bool) {
	fs.mu.Lock()
	fs.rejectAuth = v
	fs.mu.Unlock()
}

// setFailDials makes the next n upgrade attempts fail with a transient error.
func (fs *fakeServer) setFailDials(n int) {
	fs.mu.Lock()
	fs.failDials = n
	fs.mu.Unlock()
}

func (fs *fakeServer) dialCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dials
}

func (fs *fakeServer) lastConn() *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		return nil
	}
	return fs.conns[len(fs.conns)-1]
}

// ack writes a successful acknowledgement for seq.
func (fs *fakeServer) ack(conn *websocket.Conn, seq int64, payload any) {
	f, err := protocol.NewAck(seq, payload)
	require.NoError(fs.t, err)
	fs.write(conn, f)
}

// push sends a server event on the most recent connection.
func (fs *fakeServer) push(name string, payload any) {
	conn := fs.lastConn()
	require.NotNil(fs.t, conn)
	f, err := protocol.NewEvent(name, payload)
	require.NoError(fs.t, err)
	fs.write(conn, f)
}

func (fs *fakeServer) write(conn *websocket.Conn, f protocol.Frame) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_ = conn.WriteJSON(f)
}

// dropConn kills the transport without a close handshake, simulating a
// network failure.
func (fs *fakeServer) dropConn() {
	conn := fs.lastConn()
	require.NotNil(fs.t, conn)
	_ = conn.Close()
}

// closeConn performs a graceful server-side close with the given code.
func (fs *fakeServer) closeConn(code int) {
	conn := fs.lastConn()
	require.NotNil(fs.t, conn)
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	// Let the close frame reach the peer before the TCP teardown.
	time.Sleep(50 * time.Millisecond)
	_ = conn.Close()
}

func (fs *fakeServer) signalNames() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.signals))
	for _, f := range fs.signals {
		out = append(out, f.Name)
	}
	return out
}

func testToken(t *testing.T, userID string, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(expiresIn).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func dialTest(t *testing.T, fs *fakeServer, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithReconnect(5*time.Millisecond, 20*time.Millisecond, 5)}, opts...)
	c, err := Dial(context.Background(), fs.url(), testToken(t, "self", time.Hour), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// fakeSession is the controller-side test double for Session: scripted
// Invoke, recorded signals, manual event emission.
type fakeSession struct {
	userID string

	mu       sync.Mutex
	next     int
	handlers map[string]map[int]func(json.RawMessage)
	invoke   func(command string, payload, result any) error
	invoked  []string
	signals  []string
	online   map[string]bool
}

func newFakeSession(userID string) *fakeSession {
	return &fakeSession{
		userID:   userID,
		handlers: make(map[string]map[int]func(json.RawMessage)),
		online:   make(map[string]bool),
		invoke: func(string, any, any) error {
			return nil
		},
	}
}

func (s *fakeSession) UserID() string { return s.userID }

func (s *fakeSession) Invoke(_ context.Context, command string, payload, result any) error {
	s.mu.Lock()
	s.invoked = append(s.invoked, command)
	fn := s.invoke
	s.mu.Unlock()
	return fn(command, payload, result)
}

func (s *fakeSession) Signal(name string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, name)
	return nil
}

func (s *fakeSession) On(event string, fn func(json.RawMessage)) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]func(json.RawMessage))
	}
	s.handlers[event][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], id)
	}
}

func (s *fakeSession) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

func (s *fakeSession) setOnline(userID string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = v
}

// emit delivers an event to every registered handler, like the read loop.
func (s *fakeSession) emit(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	s.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(s.handlers[event]))
	for _, fn := range s.handlers[event] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (s *fakeSession) invokedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.invoked))
	copy(out, s.invoked)
	return out
}

func (s *fakeSession) sentSignals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.signals))
	copy(out, s.signals)
	return out
}

var _ Session = (*fakeSession)(nil)
