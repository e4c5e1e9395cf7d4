// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/sockethub/lib/testutil"
)

type echoSession struct {
	conn         *Conn
	mu           sync.Mutex
	events       []string
	disconnected chan struct{}
}

func (s *echoSession) Handle(_ context.Context, event string, data json.RawMessage, ack AckFunc) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	if ack != nil {
		ack(map[string]json.RawMessage{"echo": data})
		ack("second acknowledgement is dropped")
		return
	}
	s.conn.Emit("pushed", map[string]string{"event": event})
}

func (s *echoSession) Disconnect() { close(s.disconnected) }

func startServer(t *testing.T) (*Server, string, chan *echoSession) {
	t.Helper()
	sessions := make(chan *echoSession, 10)
	server := NewServer(func(conn *Conn) (Session, error) {
		session := &echoSession{conn: conn, disconnected: make(chan struct{})}
		sessions <- session
		return session, nil
	}, ServerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		httpServer.Close()
	})
	return server, "ws" + strings.TrimPrefix(httpServer.URL, "http"), sessions
}

func TestRequestAcknowledged(t *testing.T) {
	_, url, _ := startServer(t)
	client, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, "message", map[string]string{"type": "echo"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply) != `{"echo":{"type":"echo"}}` {
		t.Errorf("reply = %s", reply)
	}

	if err := client.Emit("activity-object", map[string]string{"id": "a@b"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	event := testutil.RequireReceive(t, client.Events(), 5*time.Second, "waiting for push")
	if event.Name != "pushed" || string(event.Data) != `{"event":"activity-object"}` {
		t.Errorf("event = %s %s", event.Name, event.Data)
	}
	testutil.RequireNoReceive(t, client.Events(), 50*time.Millisecond, "duplicate acknowledgement delivered as an event")
}

func TestConnectionTable(t *testing.T) {
	server, url, sessions := startServer(t)
	client, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	session := testutil.RequireReceive(t, sessions, 5*time.Second, "waiting for session")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Request(ctx, "ping", nil); err != nil {
		t.Fatalf("Request: %v", err)
	}
	id := session.conn.ID()
	if !server.Connected(id) {
		t.Errorf("session %s not in the connection table", id)
	}
	if ids := server.SessionIDs(); len(ids) != 1 || ids[0] != id {
		t.Errorf("SessionIDs = %v", ids)
	}
	if server.Count() != 1 {
		t.Errorf("Count = %d, want 1", server.Count())
	}

	client.Close()
	testutil.RequireClosed(t, session.disconnected, 5*time.Second, "waiting for disconnect")
	if server.Connected(id) {
		t.Errorf("session %s still connected after client closed", id)
	}
	if err := session.conn.Emit("late", nil); err != ErrClosed {
		t.Errorf("Emit after close = %v, want ErrClosed", err)
	}
}

func TestEventsArriveInOrder(t *testing.T) {
	_, url, sessions := startServer(t)
	client, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	session := testutil.RequireReceive(t, sessions, 5*time.Second, "waiting for session")

	names := []string{"credentials", "activity-object", "message"}
	for _, name := range names {
		if err := client.Emit(name, nil); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	for range names {
		testutil.RequireReceive(t, client.Events(), 5*time.Second, "waiting for push")
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if strings.Join(session.events, ",") != strings.Join(names, ",") {
		t.Errorf("events = %v, want %v", session.events, names)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"peer ipv4", "10.0.0.5:4312", "", "10.0.0.5"},
		{"peer mapped ipv6", "[::ffff:10.0.0.5]:4312", "", "10.0.0.5"},
		{"forwarded first entry", "127.0.0.1:80", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"forwarded mapped", "127.0.0.1:80", "::ffff:203.0.113.9", "203.0.113.9"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			request := &http.Request{RemoteAddr: test.remote, Header: http.Header{}}
			if test.forwarded != "" {
				request.Header.Set("X-Forwarded-For", test.forwarded)
			}
			if got := ClientIP(request); got != test.want {
				t.Errorf("ClientIP = %q, want %q", got, test.want)
			}
		})
	}
}
