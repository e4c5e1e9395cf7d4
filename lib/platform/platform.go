// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/bureau-foundation/sockethub/lib/activity"
)

var (
	// ErrFatal marks an error after which the platform instance
	// cannot continue.
	ErrFatal = errors.New("fatal platform error")

	// ErrUnknownVerb is returned for a message type the platform
	// does not declare.
	ErrUnknownVerb = errors.New("platform does not support verb")

	// ErrUnknownPlatform is returned by Lookup misses.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// Fatal wraps err so that it tears the instance down.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Schema describes a platform.
type Schema struct {
	Name    string
	Version string

	// Persist selects one instance per actor. A platform that does
	// not persist runs as one global instance shared by every
	// session.
	Persist bool

	// Verbs lists the message types the platform handles.
	Verbs []string

	// RequireCredentials lists the verbs that need the actor's
	// stored credentials.
	RequireCredentials []string

	// Credentials returns a pointer to a new struct describing the
	// credentials object, with validate tags. Nil when the platform
	// takes no credentials.
	Credentials func() any
}

// HasVerb reports whether verb is declared.
func (s Schema) HasVerb(verb string) bool {
	return slices.Contains(s.Verbs, verb)
}

// NeedsCredentials reports whether verb needs stored credentials.
func (s Schema) NeedsCredentials(verb string) bool {
	return slices.Contains(s.RequireCredentials, verb)
}

// ValidateCredentials checks a credentials object against the
// declared credentials shape.
func (s Schema) ValidateCredentials(object map[string]any) error {
	if s.Credentials == nil {
		return fmt.Errorf("%w: platform %s does not accept credentials", activity.ErrInvalid, s.Name)
	}
	if object == nil {
		object = map[string]any{}
	}
	return activity.ValidateFields(object, s.Credentials())
}

// Session is how platform code talks back to the dispatcher.
type Session interface {
	// Send delivers msg to one client session, or to every session
	// of this instance when sessionID is empty. The message context
	// is set to the platform name if empty.
	Send(sessionID string, msg *activity.Stream) error

	// UpdateActor reports that the actor the instance serves is now
	// known as newID. The dispatcher re-keys the instance.
	UpdateActor(oldID, newID string) error

	// Logger returns the process logger.
	Logger() *slog.Logger
}

// Job is one unit of work handed to a platform.
type Job struct {
	Title     string
	SessionID string
	Msg       *activity.Stream

	// Credentials is set for verbs listed in RequireCredentials.
	Credentials *activity.Stream
}

// Platform is a running protocol integration.
type Platform interface {
	// Handle performs job.Msg.Type and returns the result sent to
	// the requesting client.
	Handle(ctx context.Context, job *Job) (any, error)

	// Cleanup releases protocol connections before the process
	// exits.
	Cleanup(ctx context.Context) error
}

// Factory creates a platform bound to session.
type Factory func(session Session) Platform

// Definition is a registered platform.
type Definition struct {
	Schema Schema
	New    Factory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Definition)
)

// Register adds a platform. It panics on an empty or duplicate name,
// since both are programming errors found at init.
func Register(definition Definition) {
	name := definition.Schema.Name
	if name == "" {
		panic("platform: Register with empty name")
	}
	if definition.New == nil {
		panic("platform: Register " + name + " without a factory")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic("platform: Register called twice for " + name)
	}
	registry[name] = definition
}

// Lookup returns a registered platform.
func Lookup(name string) (Definition, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	definition, ok := registry[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
	}
	return definition, nil
}

// Names returns the registered platform names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
