// Package wstest provides a scripted websocket server for exercising the
// client against canned API conversations.
package wstest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/derivkit/derivws/core/schema"
)

// Handler produces zero or more response frames for one request frame.
type Handler func(req schema.Message) []schema.Message

// Server is an httptest-backed websocket endpoint. Every request frame is
// recorded and answered by the handler; Push injects unsolicited frames on
// all live sessions.
type Server struct {
	srv     *httptest.Server
	handler Handler

	mu       sync.Mutex
	received []schema.Message
	sessions map[*session]struct{}
	refuse   bool
}

type session struct {
	conn *websocket.Conn
	ctx  context.Context
}

// New starts a server answering with the given handler. A nil handler
// echoes nothing.
func New(handler Handler) *Server {
	s := &Server{
		handler:  handler,
		sessions: make(map[*session]struct{}),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.accept))
	return s
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refusing := s.refuse
	s.mu.Unlock()
	if refusing {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	sess := &session{conn: conn, ctx: r.Context()}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "session over")
	}()

	for {
		_, data, err := conn.Read(sess.ctx)
		if err != nil {
			return
		}
		msg, err := schema.Decode(data)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		handler := s.handler
		s.mu.Unlock()

		if handler == nil {
			continue
		}
		for _, resp := range handler(msg) {
			if !s.write(sess, resp) {
				return
			}
		}
	}
}

func (s *Server) write(sess *session, msg schema.Message) bool {
	data, err := msg.Encode()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(sess.ctx, 5*time.Second)
	defer cancel()
	return sess.conn.Write(ctx, websocket.MessageText, data) == nil
}

// Push writes a frame to every live session.
func (s *Server) Push(msg schema.Message) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		s.write(sess, msg)
	}
}

// DropConnections closes every live socket without a close handshake, as a
// network fault would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.conn.CloseNow()
	}
}

// Refuse makes subsequent upgrade attempts fail, simulating an unreachable
// endpoint during reconnect tests.
func (s *Server) Refuse(refuse bool) {
	s.mu.Lock()
	s.refuse = refuse
	s.mu.Unlock()
}

// Received returns a copy of every request frame seen so far.
func (s *Server) Received() []schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Message, len(s.received))
	copy(out, s.received)
	return out
}

// ReceivedByType filters recorded requests by their leading API field.
func (s *Server) ReceivedByType(name string) []schema.Message {
	var out []schema.Message
	for _, msg := range s.Received() {
		if _, ok := msg[name]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// Sessions reports the number of live sockets.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Endpoint returns the server address as a ws:// endpoint accepted by the
// client options.
func (s *Server) Endpoint() string {
	return "ws://" + strings.TrimPrefix(s.srv.URL, "http://")
}

// Close shuts the server down.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}
