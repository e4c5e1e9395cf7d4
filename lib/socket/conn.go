// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/sockethub/lib/netutil"
)

const (
	// sendBuffer bounds the frames queued for a slow client before
	// emits start failing.
	sendBuffer = 256

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
)

var (
	// ErrClosed is returned when emitting to a closed connection.
	ErrClosed = errors.New("socket connection closed")

	// ErrSlowConsumer is returned when a connection's send buffer is
	// full.
	ErrSlowConsumer = errors.New("socket send buffer full")
)

// frame is the wire form of every message in both directions.
type frame struct {
	Event string          `json:"event,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is one client connection.
type Conn struct {
	id       string
	remoteIP string
	ws       *websocket.Conn
	logger   *slog.Logger

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id, remoteIP string, ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		id:       id,
		remoteIP: remoteIP,
		ws:       ws,
		logger:   logger,
		send:     make(chan frame, sendBuffer),
		done:     make(chan struct{}),
	}
}

// ID returns the session id assigned at connect.
func (c *Conn) ID() string { return c.id }

// RemoteIP returns the normalized client address.
func (c *Conn) RemoteIP() string { return c.remoteIP }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Emit queues an event for the client. It never blocks.
func (c *Conn) Emit(event string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.enqueue(frame{Event: event, Data: encoded})
}

func (c *Conn) ack(id uint64, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.enqueue(frame{Ack: id, Data: encoded})
}

func (c *Conn) enqueue(f frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

// Close closes the connection. The read loop then ends and the
// session is told about the disconnect.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writeLoop owns all writes to the websocket.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				if !netutil.IsExpectedCloseError(err) {
					c.logger.Warn("writing to socket", "session", c.id, "error", err)
				}
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.Close()
				return
			}
		}
	}
}
