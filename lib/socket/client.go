// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is a server push received by a Client.
type Event struct {
	Name string
	Data json.RawMessage
}

// Client is a minimal Go client for the event protocol, used by tests
// and tooling.
type Client struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	nextAck uint64

	mu      sync.Mutex
	pending map[uint64]chan json.RawMessage
	events  chan Event
	done    chan struct{}
	err     error
}

// Dial connects to a websocket endpoint.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	client := &Client{
		ws:      ws,
		pending: make(map[uint64]chan json.RawMessage),
		events:  make(chan Event, sendBuffer),
		done:    make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// Events delivers server pushes. It is closed when the connection
// ends.
func (c *Client) Events() <-chan Event { return c.events }

// Emit sends an event without asking for an acknowledgement.
func (c *Client) Emit(event string, data any) error {
	return c.write(event, 0, data)
}

// Request sends an event and waits for its acknowledgement.
func (c *Client) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextAck++
	id := c.nextAck
	reply := make(chan json.RawMessage, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.write(event, id, data); err != nil {
		return nil, err
	}
	select {
	case data := <-reply:
		return data, nil
	case <-c.done:
		return nil, errors.New("connection closed before acknowledgement")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(event string, ack uint64, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(frame{Event: event, Ack: ack, Data: encoded})
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.ws.Close()
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)
	for {
		var incoming frame
		if err := c.ws.ReadJSON(&incoming); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		if incoming.Ack != 0 {
			c.mu.Lock()
			reply, ok := c.pending[incoming.Ack]
			delete(c.pending, incoming.Ack)
			c.mu.Unlock()
			if ok {
				reply <- incoming.Data
			}
			continue
		}
		c.events <- Event{Name: incoming.Event, Data: incoming.Data}
	}
}
