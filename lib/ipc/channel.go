// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bureau-foundation/sockethub/lib/codec"
)

// ErrInvalidMessage wraps the Receive error for a frame that decoded
// but failed validation. The stream is still in sync after it.
var ErrInvalidMessage = errors.New("invalid ipc message")

// Channel sends and receives Messages over a byte stream pair. Send
// is safe for concurrent use; Receive must be called from one
// goroutine.
type Channel struct {
	writeMu sync.Mutex
	encoder *codec.Encoder
	decoder *codec.Decoder
}

// NewChannel returns a channel reading from r and writing to w.
func NewChannel(r io.Reader, w io.Writer) *Channel {
	return &Channel{
		encoder: codec.NewEncoder(w),
		decoder: codec.NewDecoder(r),
	}
}

// Send validates and writes one message.
func (c *Channel) Send(message Message) error {
	if err := message.Validate(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.encoder.Encode(message); err != nil {
		return fmt.Errorf("sending ipc %s: %w", message.Command, err)
	}
	return nil
}

// Receive reads the next message. It returns io.EOF when the peer
// closed the stream between messages, and an ErrInvalidMessage error
// for a well-formed frame that fails Validate.
func (c *Channel) Receive() (Message, error) {
	var message Message
	if err := c.decoder.Decode(&message); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("receiving ipc message: %w", err)
	}
	if err := message.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return message, nil
}
