// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"fmt"

	"github.com/bureau-foundation/sockethub/lib/activity"
)

// Command names the kind of a Message.
type Command string

const (
	CommandSecrets           Command = "secrets"
	CommandCallback          Command = "callback"
	CommandMessage           Command = "message"
	CommandUpdateCredentials Command = "updateCredentials"
	CommandUpdateActor       Command = "updateActor"
	CommandError             Command = "error"
)

// Secrets are the two dispatcher secrets handed to a platform at boot.
// Their concatenation is the job queue secret; the first half combined
// with a session secret opens that session's credentials store.
type Secrets struct {
	ParentSecret1 string `cbor:"parent_secret1"`
	ParentSecret2 string `cbor:"parent_secret2"`
}

// Message is one IPC message.
type Message struct {
	Command Command `cbor:"command"`

	// SessionID addresses a message or updateCredentials to one
	// session. Empty on a message means every session of the
	// instance.
	SessionID string `cbor:"session_id,omitempty"`

	// Stream is the ActivityStream of a message, or the failing job
	// message of an error when one is known.
	Stream *activity.Stream `cbor:"stream,omitempty"`

	// Secrets is set on secrets.
	Secrets *Secrets `cbor:"secrets,omitempty"`

	// CredentialsHash is set on updateCredentials.
	CredentialsHash string `cbor:"credentials_hash,omitempty"`

	// OldActorID and NewActorID are set on updateActor.
	OldActorID string `cbor:"old_actor_id,omitempty"`
	NewActorID string `cbor:"new_actor_id,omitempty"`

	// Error is set on error.
	Error string `cbor:"error,omitempty"`
}

// Validate checks that the fields the command requires are present.
func (m *Message) Validate() error {
	switch m.Command {
	case CommandSecrets:
		if m.Secrets == nil || m.Secrets.ParentSecret1 == "" || m.Secrets.ParentSecret2 == "" {
			return fmt.Errorf("ipc %s: both secrets are required", m.Command)
		}
	case CommandCallback:
	case CommandMessage:
		if m.Stream == nil {
			return fmt.Errorf("ipc %s: stream is required", m.Command)
		}
	case CommandUpdateCredentials:
		if m.SessionID == "" || m.CredentialsHash == "" {
			return fmt.Errorf("ipc %s: session id and credentials hash are required", m.Command)
		}
	case CommandUpdateActor:
		if m.OldActorID == "" || m.NewActorID == "" {
			return fmt.Errorf("ipc %s: old and new actor ids are required", m.Command)
		}
	case CommandError:
		if m.Error == "" {
			return fmt.Errorf("ipc %s: error text is required", m.Command)
		}
	default:
		return fmt.Errorf("ipc: unknown command %q", m.Command)
	}
	return nil
}
