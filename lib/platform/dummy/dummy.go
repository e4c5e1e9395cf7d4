// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dummy is a persistent platform with no external protocol.
// It exists to exercise the dispatch machinery end to end: instance
// creation per actor, credential resolution, peer broadcast, actor
// renames, and both recoverable and fatal failures.
//
// Verbs:
//
//	connect  marks the actor connected; later verbs work without it
//	echo     returns object.content
//	send     broadcasts the message to every session of the instance
//	greet    needs credentials; returns "<greeting>, <actor name>"
//	rename   re-keys the instance to object.id
//	fail     fails the job
//	throw    fails fatally; the instance is torn down
package dummy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/platform"
)

// Name is the platform context.
const Name = "dummy"

// Credentials is the credentials object the dummy platform accepts.
// Every field is optional, so anonymous credentials are valid.
type Credentials struct {
	Type     string `json:"type,omitempty" validate:"omitempty,eq=credentials"`
	Greeting string `json:"greeting,omitempty" validate:"omitempty,max=64"`
}

// Schema describes the dummy platform.
var Schema = platform.Schema{
	Name:               Name,
	Version:            "1.0.0",
	Persist:            true,
	Verbs:              []string{"connect", "echo", "send", "greet", "rename", "fail", "throw"},
	RequireCredentials: []string{"greet"},
	Credentials:        func() any { return &Credentials{} },
}

func init() {
	platform.Register(platform.Definition{Schema: Schema, New: New})
}

// Dummy is one dummy platform instance.
type Dummy struct {
	session platform.Session

	mu        sync.Mutex
	connected bool
	actorID   string
}

// New returns a dummy platform bound to session.
func New(session platform.Session) platform.Platform {
	return &Dummy{session: session}
}

// Handle implements platform.Platform.
func (d *Dummy) Handle(ctx context.Context, job *platform.Job) (any, error) {
	msg := job.Msg
	switch msg.Type {
	case "connect":
		d.mu.Lock()
		d.connected = true
		d.actorID = msg.ActorID()
		d.mu.Unlock()
		return map[string]any{"connected": true}, nil

	case "echo":
		content, _ := msg.Object["content"].(string)
		return content, nil

	case "send":
		broadcast := msg.Clone()
		broadcast.Type = "send"
		if err := d.session.Send("", broadcast); err != nil {
			return nil, fmt.Errorf("broadcasting: %w", err)
		}
		return map[string]any{"delivered": true}, nil

	case "greet":
		greeting := "Hello"
		if job.Credentials != nil {
			if value, ok := job.Credentials.Object["greeting"].(string); ok && value != "" {
				greeting = value
			}
		}
		return greeting + ", " + displayName(msg.Actor), nil

	case "rename":
		newID, _ := msg.Object["id"].(string)
		if newID == "" {
			return nil, errors.New("rename needs object.id")
		}
		if err := d.session.UpdateActor(msg.ActorID(), newID); err != nil {
			return nil, fmt.Errorf("renaming actor: %w", err)
		}
		d.mu.Lock()
		d.actorID = newID
		d.mu.Unlock()
		return map[string]any{"id": newID}, nil

	case "fail":
		return nil, errors.New("failing as requested")

	case "throw":
		return nil, platform.Fatal(errors.New("thrown as requested"))
	}
	return nil, fmt.Errorf("%w: %s", platform.ErrUnknownVerb, msg.Type)
}

// Connected reports whether connect has run.
func (d *Dummy) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Cleanup implements platform.Platform.
func (d *Dummy) Cleanup(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func displayName(actor *activity.Object) string {
	if actor == nil {
		return "stranger"
	}
	if actor.Name != "" {
		return actor.Name
	}
	return actor.ID
}
