// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/sockethub/lib/netutil"
)

// maxFrameSize bounds one client frame.
const maxFrameSize = 1 << 20

// AckFunc answers an event that asked for an acknowledgement. Only
// the first call sends anything. It is nil when the client did not
// ask.
type AckFunc func(data any)

// Session handles the events of one connection. Handle is called from
// the connection's read loop, so events arrive in order and Handle
// should not block on long work. Disconnect is called once after the
// last Handle.
type Session interface {
	Handle(ctx context.Context, event string, data json.RawMessage, ack AckFunc)
	Disconnect()
}

// ConnectFunc creates the Session of a new connection. Returning an
// error closes the connection.
type ConnectFunc func(conn *Conn) (Session, error)

// ServerOptions configure a Server.
type ServerOptions struct {
	Logger *slog.Logger

	// CheckOrigin is passed to the websocket upgrader. Nil accepts
	// every origin.
	CheckOrigin func(r *http.Request) bool
}

// Server accepts websocket connections and tracks the live ones.
type Server struct {
	connect  ConnectFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a server that calls connect for every new
// connection.
func NewServer(connect ConnectFunc, options ServerOptions) *Server {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := options.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		connect: connect,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     checkOrigin,
		},
		conns: make(map[string]*Conn),
	}
}

// Connected reports whether the session is still connected.
func (s *Server) Connected(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[sessionID]
	return ok
}

// Conn returns the live connection of a session.
func (s *Server) Conn(sessionID string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[sessionID]
	return conn, ok
}

// SessionIDs returns the ids of all live connections, sorted.
func (s *Server) SessionIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close closes every connection, refuses new ones, and waits for all
// sessions to be told.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
}

// ServeHTTP upgrades the request and runs the connection until it
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(uuid.NewString(), ClientIP(r), ws, s.logger)
	go conn.writeLoop()

	session, err := s.connect(conn)
	if err != nil {
		s.logger.Warn("rejecting connection", "session", conn.id, "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn.id] = conn
	if s.closed {
		conn.Close()
	}
	s.mu.Unlock()
	s.logger.Debug("client connected", "session", conn.id, "ip", conn.remoteIP)

	s.readLoop(r.Context(), conn, session)

	s.mu.Lock()
	delete(s.conns, conn.id)
	s.mu.Unlock()
	conn.Close()
	session.Disconnect()
	s.logger.Debug("client disconnected", "session", conn.id)
}

func (s *Server) readLoop(ctx context.Context, conn *Conn, session Session) {
	ctx = context.WithoutCancel(ctx)
	conn.ws.SetReadLimit(maxFrameSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		messageType, payload, err := conn.ws.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Debug("reading from socket", "session", conn.id, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var incoming frame
		if err := json.Unmarshal(payload, &incoming); err != nil {
			s.logger.Debug("dropping malformed frame", "session", conn.id, "error", err)
			continue
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		if incoming.Event == "" {
			continue
		}
		session.Handle(ctx, incoming.Event, incoming.Data, s.ackFunc(conn, incoming.Ack))
	}
}

func (s *Server) ackFunc(conn *Conn, id uint64) AckFunc {
	if id == 0 {
		return nil
	}
	var once sync.Once
	return func(data any) {
		once.Do(func() {
			if err := conn.ack(id, data); err != nil {
				s.logger.Debug("acknowledging event", "session", conn.id, "ack", id, "error", err)
			}
		})
	}
}

// ClientIP returns the address a request came from: the first
// X-Forwarded-For entry when present, else the peer address. IPv4
// addresses mapped into IPv6 are returned in IPv4 form.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return NormalizeIP(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return NormalizeIP(host)
}

// NormalizeIP trims whitespace and the ::ffff: prefix of IPv4-mapped
// addresses.
func NormalizeIP(address string) string {
	address = strings.TrimSpace(address)
	return strings.TrimPrefix(address, "::ffff:")
}
