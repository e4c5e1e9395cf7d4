// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CredentialsType is the Type of a credentials submission.
const CredentialsType = "credentials"

// Stream is one ActivityStream message.
type Stream struct {
	Context   string         `json:"context" validate:"required"`
	Type      string         `json:"type" validate:"required"`
	ID        string         `json:"id,omitempty"`
	Actor     *Object        `json:"actor" validate:"required"`
	Target    *Object        `json:"target,omitempty"`
	Object    map[string]any `json:"object,omitempty"`
	Published string         `json:"published,omitempty"`
	Error     string         `json:"error,omitempty"`

	// SessionSecret is attached by the dispatcher before a message is
	// queued so the platform process can open the session's
	// credentials store. It must be removed before the message is
	// handed to platform code or sent to any client.
	SessionSecret string `json:"sessionSecret,omitempty"`
}

// Object is an actor or target reference.
type Object struct {
	ID   string `json:"id" validate:"required"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// UnmarshalJSON accepts either {"id": ...} or a bare id string.
func (o *Object) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return err
		}
		*o = Object{ID: id}
		return nil
	}
	type plain Object
	var decoded plain
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return fmt.Errorf("decoding activity object: %w", err)
	}
	*o = Object(decoded)
	return nil
}

// ActorID returns the actor's id, or "" when there is no actor.
func (s *Stream) ActorID() string {
	if s == nil || s.Actor == nil {
		return ""
	}
	return s.Actor.ID
}

// Clone returns a deep copy. Object maps are copied through JSON so
// nested values do not alias the original; a message broadcast to
// several sessions is cloned once per session before stamping.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Actor != nil {
		actor := *s.Actor
		clone.Actor = &actor
	}
	if s.Target != nil {
		target := *s.Target
		clone.Target = &target
	}
	if s.Object != nil {
		clone.Object = cloneMap(s.Object)
	}
	return &clone
}

// Decode parses a JSON ActivityStream.
func Decode(data []byte) (*Stream, error) {
	var stream Stream
	if err := json.Unmarshal(data, &stream); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &stream, nil
}

// Encode serializes s as JSON.
func Encode(s *Stream) ([]byte, error) {
	return json.Marshal(s)
}

func cloneMap(source map[string]any) map[string]any {
	data, err := json.Marshal(source)
	if err != nil {
		shallow := make(map[string]any, len(source))
		for key, value := range source {
			shallow[key] = value
		}
		return shallow
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		return source
	}
	return clone
}
