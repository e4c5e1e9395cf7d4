// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dummy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/platform"
)

type sent struct {
	sessionID string
	msg       *activity.Stream
}

type recordingSession struct {
	sent    []sent
	renames [][2]string
}

func (s *recordingSession) Send(sessionID string, msg *activity.Stream) error {
	s.sent = append(s.sent, sent{sessionID, msg})
	return nil
}

func (s *recordingSession) UpdateActor(oldID, newID string) error {
	s.renames = append(s.renames, [2]string{oldID, newID})
	return nil
}

func (s *recordingSession) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func job(verb string, object map[string]any) *platform.Job {
	return &platform.Job{
		Title:     "dummy-1",
		SessionID: "s1",
		Msg: &activity.Stream{
			Context: Name,
			Type:    verb,
			Actor:   &activity.Object{ID: "a@b", Name: "Alice"},
			Object:  object,
		},
	}
}

func TestVerbs(t *testing.T) {
	session := &recordingSession{}
	instance := New(session).(*Dummy)
	ctx := context.Background()

	if _, err := instance.Handle(ctx, job("connect", nil)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !instance.Connected() {
		t.Error("connect did not mark the instance connected")
	}

	result, err := instance.Handle(ctx, job("echo", map[string]any{"content": "ping"}))
	if err != nil || result != "ping" {
		t.Errorf("echo = %v, %v", result, err)
	}

	if _, err := instance.Handle(ctx, job("send", map[string]any{"content": "hi all"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(session.sent) != 1 || session.sent[0].sessionID != "" || session.sent[0].msg.Object["content"] != "hi all" {
		t.Errorf("send broadcast = %+v", session.sent)
	}

	greetJob := job("greet", nil)
	greetJob.Credentials = &activity.Stream{Object: map[string]any{"greeting": "Ahoy"}}
	result, err = instance.Handle(ctx, greetJob)
	if err != nil || result != "Ahoy, Alice" {
		t.Errorf("greet = %v, %v", result, err)
	}

	if _, err := instance.Handle(ctx, job("rename", map[string]any{"id": "a2@b"})); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if len(session.renames) != 1 || session.renames[0] != [2]string{"a@b", "a2@b"} {
		t.Errorf("renames = %v", session.renames)
	}
}

func TestFailures(t *testing.T) {
	instance := New(&recordingSession{})
	ctx := context.Background()

	_, err := instance.Handle(ctx, job("fail", nil))
	if err == nil || errors.Is(err, platform.ErrFatal) {
		t.Errorf("fail = %v, want a plain error", err)
	}
	_, err = instance.Handle(ctx, job("throw", nil))
	if !errors.Is(err, platform.ErrFatal) {
		t.Errorf("throw = %v, want ErrFatal", err)
	}
	_, err = instance.Handle(ctx, job("dance", nil))
	if !errors.Is(err, platform.ErrUnknownVerb) {
		t.Errorf("dance = %v, want ErrUnknownVerb", err)
	}
}

func TestCredentialsSchema(t *testing.T) {
	if err := Schema.ValidateCredentials(map[string]any{}); err != nil {
		t.Errorf("anonymous credentials rejected: %v", err)
	}
	if err := Schema.ValidateCredentials(map[string]any{"type": "credentials", "greeting": "Hi"}); err != nil {
		t.Errorf("valid credentials rejected: %v", err)
	}
	if err := Schema.ValidateCredentials(map[string]any{"password": "x"}); !errors.Is(err, activity.ErrInvalid) {
		t.Errorf("unknown field accepted: %v", err)
	}

	definition, err := platform.Lookup(Name)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !definition.Schema.Persist || !definition.Schema.NeedsCredentials("greet") || definition.Schema.NeedsCredentials("echo") {
		t.Errorf("registered schema = %+v", definition.Schema)
	}
}
