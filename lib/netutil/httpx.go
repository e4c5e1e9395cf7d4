// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network I/O helpers.
//
// [ReadResponse] bounds HTTP body reads so a misbehaving feed server
// cannot exhaust a platform process's memory. [IsExpectedCloseError]
// classifies errors that occur during normal teardown of IPC pipes and
// websocket connections so they are not logged as failures.
package netutil

import (
	"fmt"
	"io"
)

// MaxResponseSize bounds HTTP response body reads: 16 MB, far above
// any feed document but small enough that a stateless platform
// serving every session cannot be starved by one response.
const MaxResponseSize int64 = 16 << 20

// ReadResponse reads body up to MaxResponseSize bytes. A body longer
// than the limit is an error rather than a silent truncation, since a
// truncated XML document is never parseable.
func ReadResponse(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, fmt.Errorf("response body exceeds %d bytes", MaxResponseSize)
	}
	return data, nil
}

// ErrorBody reads an HTTP error response body for diagnostics. Read
// errors are ignored; a partial body is still useful in a message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	return string(data)
}
