// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
)

func TestReadResponse(t *testing.T) {
	t.Run("normal body", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader([]byte(`<rss/>`)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != `<rss/>` {
			t.Fatalf("got %q", data)
		}
	})

	t.Run("oversized body", func(t *testing.T) {
		_, err := ReadResponse(io.LimitReader(zeroReader{}, MaxResponseSize+10))
		if err == nil {
			t.Fatal("expected error for body over the limit")
		}
	})

	t.Run("read error propagates", func(t *testing.T) {
		if _, err := ReadResponse(failReader{}); err == nil {
			t.Fatal("expected error from failing reader")
		}
	})
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("reading ipc: %w", io.EOF), true},
		{"closed conn", net.ErrClosed, true},
		{"broken pipe", syscall.EPIPE, true},
		{"reset", syscall.ECONNRESET, true},
		{"websocket going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"websocket protocol error", &websocket.CloseError{Code: websocket.CloseProtocolError}, false},
		{"other", errors.New("boom"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsExpectedCloseError(test.err); got != test.want {
				t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }
