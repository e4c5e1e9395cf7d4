// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/codec"
)

func TestChannelRoundTrip(t *testing.T) {
	reader, writer := io.Pipe()
	sender := NewChannel(nil, writer)
	receiver := NewChannel(reader, nil)

	messages := []Message{
		{Command: CommandSecrets, Secrets: &Secrets{ParentSecret1: "aaaa", ParentSecret2: "bbbb"}},
		{Command: CommandCallback},
		{Command: CommandMessage, SessionID: "s1", Stream: &activity.Stream{
			Context: "dummy",
			Type:    "echo",
			Actor:   &activity.Object{ID: "a@b", Name: "Alice"},
			Object:  map[string]any{"content": "hi"},
		}},
		{Command: CommandUpdateCredentials, SessionID: "s1", CredentialsHash: "abc"},
		{Command: CommandUpdateActor, OldActorID: "nick", NewActorID: "nick_"},
		{Command: CommandError, Error: "connection refused"},
	}

	go func() {
		for _, message := range messages {
			if err := sender.Send(message); err != nil {
				t.Errorf("Send %s: %v", message.Command, err)
			}
		}
		writer.Close()
	}()

	for _, want := range messages {
		got, err := receiver.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if got.Command != want.Command {
			t.Fatalf("command = %s, want %s", got.Command, want.Command)
		}
		switch got.Command {
		case CommandSecrets:
			if *got.Secrets != *want.Secrets {
				t.Errorf("secrets = %+v", got.Secrets)
			}
		case CommandMessage:
			if got.SessionID != "s1" || got.Stream.Actor.Name != "Alice" || got.Stream.Object["content"] != "hi" {
				t.Errorf("message = %+v stream %+v", got, got.Stream)
			}
		case CommandUpdateActor:
			if got.NewActorID != "nick_" {
				t.Errorf("updateActor = %+v", got)
			}
		case CommandError:
			if got.Error != "connection refused" {
				t.Errorf("error = %q", got.Error)
			}
		}
	}
	if _, err := receiver.Receive(); !errors.Is(err, io.EOF) {
		t.Errorf("Receive after close = %v, want io.EOF", err)
	}
}

func TestReceiveSkipsPastInvalidMessage(t *testing.T) {
	reader, writer := io.Pipe()
	receiver := NewChannel(reader, io.Discard)

	go func() {
		encoder := codec.NewEncoder(writer)
		encoder.Encode(Message{Command: "reboot"})
		encoder.Encode(Message{Command: CommandCallback})
		writer.Close()
	}()

	if _, err := receiver.Receive(); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("Receive = %v, want ErrInvalidMessage", err)
	}
	got, err := receiver.Receive()
	if err != nil || got.Command != CommandCallback {
		t.Errorf("Receive after invalid frame = %+v, %v, want the callback", got, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		message Message
		wantErr string
	}{
		{"unknown command", Message{Command: "reboot"}, "unknown command"},
		{"secrets missing half", Message{Command: CommandSecrets, Secrets: &Secrets{ParentSecret1: "a"}}, "both secrets"},
		{"message without stream", Message{Command: CommandMessage}, "stream is required"},
		{"update actor without new id", Message{Command: CommandUpdateActor, OldActorID: "a"}, "actor ids"},
		{"error without text", Message{Command: CommandError}, "error text"},
		{"callback", Message{Command: CommandCallback}, ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.message.Validate()
			if test.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestSendRejectsInvalid(t *testing.T) {
	var buffer strings.Builder
	channel := NewChannel(nil, &buffer)
	if err := channel.Send(Message{Command: CommandMessage}); err == nil {
		t.Error("Send accepted a message without a stream")
	}
	if buffer.Len() != 0 {
		t.Error("invalid message was written")
	}
}
