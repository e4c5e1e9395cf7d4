// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/gorilla/websocket"
)

// IsExpectedCloseError reports whether err is a normal connection or
// pipe termination: EOF, a closed file or connection, broken pipe,
// connection reset, or a websocket close frame with a normal or
// going-away code. A platform child whose stdin is closed by the
// dispatcher and a browser tab that navigates away both end this way.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
