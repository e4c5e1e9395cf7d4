// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/credential"
	"github.com/bureau-foundation/sockethub/lib/ipc"
	"github.com/bureau-foundation/sockethub/lib/middleware"
	"github.com/bureau-foundation/sockethub/lib/platform"
	"github.com/bureau-foundation/sockethub/lib/queue"
	"github.com/bureau-foundation/sockethub/lib/sealed"
	"github.com/bureau-foundation/sockethub/lib/socket"
)

// sessionSecretLength is the length of the per-session half of a
// credentials store secret; the other half is the first parent
// secret.
const sessionSecretLength = sealed.SecretLength / 2

// storeTimeout bounds the credentials cleanup on disconnect.
const storeTimeout = 5 * time.Second

var (
	errUsernameInUse       = errors.New("username already in use")
	errCredentialsMismatch = errors.New("credentials do not match those of the session already connected as this actor")
	errRateLimited         = errors.New("message rate limit exceeded")
)

// clientVisible lists the errors whose text is sent to clients. Any
// other error is logged and reported as "internal error".
var clientVisible = []error{
	activity.ErrInvalid,
	platform.ErrUnknownPlatform,
	platform.ErrUnknownVerb,
	credential.ErrNotFound,
	credential.ErrMismatch,
	credential.ErrNotShareable,
	queue.ErrQueueClosed,
	errUsernameInUse,
	errCredentialsMismatch,
	errRateLimited,
	errInstanceDestroyed,
}

func clientError(err error) string {
	for _, known := range clientVisible {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return "internal error"
}

// credentialStore is the part of a credentials store a session uses.
type credentialStore interface {
	Save(ctx context.Context, actorID string, credentials *activity.Stream) (int64, error)
	Get(ctx context.Context, actorID, credentialsHash string, options credential.GetOptions) (*activity.Stream, error)
	Clear(ctx context.Context) error
	Close() error
}

// openStoreFunc opens the credentials store of one session.
type openStoreFunc func(sessionID, secret string) (credentialStore, error)

// dispatcher creates a session for every client connection.
type dispatcher struct {
	secrets   ipc.Secrets
	manager   *processManager
	transport transport
	cache     *activity.Cache
	platforms map[string]platform.Definition
	openStore openStoreFunc

	messagesPerSecond float64
	burst             int

	metrics *metrics
	logger  *slog.Logger
}

// definition returns an enabled platform.
func (d *dispatcher) definition(name string) (platform.Definition, error) {
	definition, ok := d.platforms[name]
	if !ok {
		return platform.Definition{}, fmt.Errorf("%w: %q", platform.ErrUnknownPlatform, name)
	}
	return definition, nil
}

// connect implements socket.ConnectFunc.
func (d *dispatcher) connect(conn *socket.Conn) (socket.Session, error) {
	return d.newSession(conn.ID(), conn.RemoteIP(), conn.Emit)
}

func (d *dispatcher) newSession(id, clientIP string, emit func(event string, data any) error) (*session, error) {
	sessionSecret, err := sealed.RandToken(sessionSecretLength)
	if err != nil {
		return nil, err
	}
	store, err := d.openStore(id, d.secrets.ParentSecret1+sessionSecret)
	if err != nil {
		return nil, fmt.Errorf("opening credentials store: %w", err)
	}

	limit := rate.Inf
	if d.messagesPerSecond > 0 {
		limit = rate.Limit(d.messagesPerSecond)
	}
	s := &session{
		id:         id,
		ip:         clientIP,
		secret:     sessionSecret,
		dispatcher: d,
		store:      store,
		limiter:    rate.NewLimiter(limit, max(d.burst, 1)),
		emit:       emit,
		logger:     d.logger.With("session", id),
	}
	s.buildChains()
	d.metrics.sessionOpened()
	s.logger.Debug("session opened", "ip", clientIP)
	return s, nil
}

// session routes the events of one client connection.
type session struct {
	id         string
	ip         string
	secret     string
	dispatcher *dispatcher
	store      credentialStore
	limiter    *rate.Limiter
	emit       func(event string, data any) error
	logger     *slog.Logger

	credentials     *middleware.Chain[*activity.Stream]
	activityObjects *middleware.Chain[*activity.Object]
	messages        *middleware.Chain[*messageRequest]
}

// messageRequest is the state the message chain builds up.
type messageRequest struct {
	msg        *activity.Stream
	definition platform.Definition
	instance   *instance
	ack        socket.AckFunc
}

func (s *session) buildChains() {
	s.credentials = middleware.New[*activity.Stream]("credentials").
		Use(s.expandStream).
		Use(s.validateCredentials).
		Use(s.checkSharedCredentials).
		Use(s.storeCredentials)
	s.credentials.OnError(rejectWith[*activity.Stream](s, "credentials"))

	s.activityObjects = middleware.New[*activity.Object]("activity-object").
		Use(func(_ context.Context, object *activity.Object) (*activity.Object, error) {
			return object, activity.ValidateObject(object)
		}).
		Use(func(_ context.Context, object *activity.Object) (*activity.Object, error) {
			s.dispatcher.cache.Add(*object)
			return object, nil
		})
	s.activityObjects.OnError(rejectWith[*activity.Object](s, "activity-object"))

	s.messages = middleware.New[*messageRequest]("message").
		Use(func(ctx context.Context, request *messageRequest) (*messageRequest, error) {
			_, err := s.expandStream(ctx, request.msg)
			return request, err
		}).
		Use(s.validateMessage).
		Use(s.rateLimit).
		Use(func(_ context.Context, request *messageRequest) (*messageRequest, error) {
			request.msg.SessionSecret = s.secret
			return request, nil
		}).
		Use(s.checkSessionShare).
		Use(s.ensureInstance).
		Use(s.enqueue)
	s.messages.OnError(rejectWith[*messageRequest](s, "message"))
}

// rejectWith returns the error handler of a chain: count, log, pass
// the error on.
func rejectWith[T any](s *session, chain string) middleware.ErrorHandlerFunc[T] {
	return func(_ context.Context, err error, data T) (T, error) {
		s.dispatcher.metrics.rejected(chain)
		s.logger.Debug("event rejected", "chain", chain, "error", err)
		return data, err
	}
}

// Handle implements socket.Session.
func (s *session) Handle(ctx context.Context, event string, data json.RawMessage, ack socket.AckFunc) {
	switch event {
	case "credentials":
		msg, err := activity.Decode(data)
		if err != nil {
			s.fail(ack, nil, err)
			return
		}
		if _, err := s.credentials.Execute(ctx, msg); err != nil {
			s.fail(ack, msg, err)
			return
		}
		if ack != nil {
			ack(nil)
		}

	case "activity-object":
		var object activity.Object
		if err := json.Unmarshal(data, &object); err != nil {
			s.fail(ack, nil, fmt.Errorf("%w: %v", activity.ErrInvalid, err))
			return
		}
		if _, err := s.activityObjects.Execute(ctx, &object); err != nil {
			s.fail(ack, nil, err)
			return
		}
		if ack != nil {
			ack(nil)
		}

	case "message":
		msg, err := activity.Decode(data)
		if err != nil {
			s.fail(ack, nil, err)
			return
		}
		if _, err := s.messages.Execute(ctx, &messageRequest{msg: msg, ack: ack}); err != nil {
			s.fail(ack, msg, err)
		}

	default:
		s.logger.Debug("ignoring unknown event", "event", event)
	}
}

// fail answers a rejected event through its acknowledgement, or with
// a failure event when the client did not ask for one.
func (s *session) fail(ack socket.AckFunc, msg *activity.Stream, err error) {
	text := clientError(err)
	if text == "internal error" {
		s.logger.Warn("event failed", "error", err)
	}
	var failure *activity.Stream
	if msg != nil {
		failure = msg.Clone()
		failure.SessionSecret = ""
	} else {
		failure = &activity.Stream{}
	}
	failure.Error = text
	if ack != nil {
		ack(failure)
		return
	}
	if emitErr := s.emit("failure", failure); emitErr != nil {
		s.logger.Debug("sending failure", "error", emitErr)
	}
}

// Disconnect implements socket.Session.
func (s *session) Disconnect() {
	s.dispatcher.manager.deregisterSession(s.id)
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Debug("clearing credentials", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Debug("closing credentials store", "error", err)
	}
	s.dispatcher.metrics.sessionClosed()
	s.logger.Debug("session closed")
}

func (s *session) expandStream(_ context.Context, msg *activity.Stream) (*activity.Stream, error) {
	s.dispatcher.cache.Expand(msg)
	return msg, nil
}

func (s *session) validateCredentials(_ context.Context, msg *activity.Stream) (*activity.Stream, error) {
	if err := activity.ValidateCredentials(msg); err != nil {
		return msg, err
	}
	definition, err := s.dispatcher.definition(msg.Context)
	if err != nil {
		return msg, err
	}
	return msg, definition.Schema.ValidateCredentials(msg.Object)
}

// checkSharedCredentials refuses credentials that differ from those
// the live instance of the actor was started with while another
// session is using it.
func (s *session) checkSharedCredentials(_ context.Context, msg *activity.Stream) (*activity.Stream, error) {
	definition, err := s.dispatcher.definition(msg.Context)
	if err != nil {
		return msg, err
	}
	if !definition.Schema.Persist {
		return msg, nil
	}
	inst, ok := s.dispatcher.manager.lookup(definition.Schema, msg.ActorID())
	if !ok {
		return msg, nil
	}
	pinned := inst.CredentialsHash()
	if pinned == "" || !s.heldElsewhere(inst) {
		return msg, nil
	}
	hash, err := credential.Hash(msg)
	if err != nil {
		return msg, err
	}
	if hash != pinned {
		return msg, errCredentialsMismatch
	}
	return msg, nil
}

func (s *session) storeCredentials(ctx context.Context, msg *activity.Stream) (*activity.Stream, error) {
	if _, err := s.store.Save(ctx, msg.ActorID(), msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (s *session) validateMessage(_ context.Context, request *messageRequest) (*messageRequest, error) {
	if err := activity.ValidateMessage(request.msg); err != nil {
		return request, err
	}
	definition, err := s.dispatcher.definition(request.msg.Context)
	if err != nil {
		return request, err
	}
	if !definition.Schema.HasVerb(request.msg.Type) {
		return request, fmt.Errorf("%w: %s does not support %q", platform.ErrUnknownVerb, definition.Schema.Name, request.msg.Type)
	}
	request.definition = definition
	return request, nil
}

func (s *session) rateLimit(_ context.Context, request *messageRequest) (*messageRequest, error) {
	if !s.limiter.Allow() {
		return request, errRateLimited
	}
	return request, nil
}

// heldElsewhere reports whether another connected session is
// subscribed to inst.
func (s *session) heldElsewhere(inst *instance) bool {
	for _, other := range inst.Sessions() {
		if other != s.id && s.dispatcher.transport.Connected(other) {
			return true
		}
	}
	return false
}

// staleReconnect reports whether every other session of inst is gone
// and came from this session's address: most likely the same client
// reconnecting before the janitor noticed. This is a heuristic, not
// authentication.
func (s *session) staleReconnect(inst *instance) bool {
	address := socket.NormalizeIP(s.ip)
	others := 0
	for _, other := range inst.knownSessions() {
		if other == s.id {
			continue
		}
		if s.dispatcher.transport.Connected(other) {
			return false
		}
		if priorIP := inst.sessionIP(other); priorIP == "" || priorIP != address {
			return false
		}
		others++
	}
	return others > 0
}

// checkSessionShare decides whether this session may use a live
// actor-bound instance other sessions are subscribed to. It needs
// shareable stored credentials, or a stale reconnect from the same
// address.
func (s *session) checkSessionShare(ctx context.Context, request *messageRequest) (*messageRequest, error) {
	schema := request.definition.Schema
	if !schema.Persist {
		return request, nil
	}
	inst, ok := s.dispatcher.manager.lookup(schema, request.msg.ActorID())
	if !ok {
		return request, nil
	}
	others := false
	for _, other := range inst.knownSessions() {
		if other != s.id {
			others = true
			break
		}
	}
	if !others {
		return request, nil
	}

	_, err := s.store.Get(ctx, request.msg.ActorID(), inst.CredentialsHash(), credential.GetOptions{
		ValidateSessionShare: true,
		HeldElsewhere:        s.heldElsewhere(inst),
	})
	switch {
	case err == nil:
		return request, nil
	case errors.Is(err, credential.ErrMismatch):
		return request, errCredentialsMismatch
	case errors.Is(err, credential.ErrNotFound), errors.Is(err, credential.ErrNotShareable):
		if s.staleReconnect(inst) {
			s.logger.Info("allowing reconnect from the same address", "actor", request.msg.ActorID())
			return request, nil
		}
		return request, errUsernameInUse
	default:
		return request, err
	}
}

func (s *session) ensureInstance(ctx context.Context, request *messageRequest) (*messageRequest, error) {
	inst, err := s.dispatcher.manager.ensureProcess(ctx, request.definition.Schema, s.id, s.ip, request.msg.ActorID())
	if err != nil {
		return request, err
	}
	request.instance = inst
	return request, nil
}

func (s *session) enqueue(ctx context.Context, request *messageRequest) (*messageRequest, error) {
	job, err := request.instance.enqueue(ctx, s.id, request.msg, request.ack)
	if err != nil {
		return request, err
	}
	s.logger.Debug("job queued", "job", job.Title, "instance", request.instance.ID())
	return request, nil
}
