// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/credential"
	"github.com/bureau-foundation/sockethub/lib/ipc"
	"github.com/bureau-foundation/sockethub/lib/queue"
)

// DefaultStartupTimeout bounds the wait for the secrets message.
const DefaultStartupTimeout = 10 * time.Second

// cleanupTimeout bounds Platform.Cleanup at exit.
const cleanupTimeout = 5 * time.Second

// ErrParentGone is the exit cause when the dispatcher closes the IPC
// channel.
var ErrParentGone = errors.New("dispatcher closed the ipc channel")

// CredentialStore is the part of a credentials store the runner
// reads.
type CredentialStore interface {
	Get(ctx context.Context, actorID, credentialsHash string, options credential.GetOptions) (*activity.Stream, error)
	Close() error
}

// RunConfig configures Run.
type RunConfig struct {
	Definition Definition
	Channel    *ipc.Channel
	Logger     *slog.Logger

	// StartupTimeout bounds the wait for secrets. Zero selects
	// DefaultStartupTimeout.
	StartupTimeout time.Duration

	// NewConsumer opens the instance queue once secrets arrive.
	NewConsumer func() (queue.Consumer, error)

	// OpenStore opens the credentials store of a session with the
	// given secret.
	OpenStore func(sessionID, secret string) (CredentialStore, error)

	Worker queue.WorkerOptions
}

// Run serves one platform instance until ctx is cancelled, the
// dispatcher closes the channel, or the platform fails fatally. It
// returns nil after cancellation and the cause otherwise.
func Run(ctx context.Context, config RunConfig) error {
	if config.Channel == nil || config.NewConsumer == nil {
		return errors.New("platform run requires a channel and a consumer factory")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("platform", config.Definition.Schema.Name)
	timeout := config.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	messages := make(chan ipc.Message)
	go func() {
		for {
			message, err := config.Channel.Receive()
			if err != nil {
				if errors.Is(err, io.EOF) {
					cancel(ErrParentGone)
				} else {
					cancel(fmt.Errorf("reading ipc channel: %w", err))
				}
				return
			}
			select {
			case messages <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	var secrets ipc.Secrets
	select {
	case message := <-messages:
		if message.Command != ipc.CommandSecrets {
			return fmt.Errorf("expected %s as the first ipc message, got %s", ipc.CommandSecrets, message.Command)
		}
		secrets = *message.Secrets
	case <-time.After(timeout):
		return fmt.Errorf("no secrets received within %s", timeout)
	case <-ctx.Done():
		return startupCause(ctx)
	}

	r := &runner{
		schema:    config.Definition.Schema,
		channel:   config.Channel,
		logger:    logger,
		secrets:   secrets,
		openStore: config.OpenStore,
		pinned:    make(map[string]string),
		cancel:    cancel,
	}
	r.platform = config.Definition.New(r)

	consumer, err := config.NewConsumer()
	if err != nil {
		return fmt.Errorf("opening instance queue: %w", err)
	}
	workerOptions := config.Worker
	if workerOptions.Logger == nil {
		workerOptions.Logger = logger
	}
	worker, err := queue.NewWorker(consumer, secrets.ParentSecret1+secrets.ParentSecret2, r.handle, workerOptions)
	if err != nil {
		consumer.Close()
		return err
	}

	if err := config.Channel.Send(ipc.Message{Command: ipc.CommandCallback}); err != nil {
		consumer.Close()
		return err
	}
	logger.Info("platform ready")

	// Messages after the handshake carry nothing the worker needs.
	go func() {
		for {
			select {
			case message := <-messages:
				logger.Debug("ignoring ipc message", "command", message.Command)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := worker.Run(ctx); err != nil {
		logger.Warn("worker stopped", "error", err)
	}

	cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancelCleanup()
	if err := r.platform.Cleanup(cleanupCtx); err != nil {
		logger.Warn("platform cleanup", "error", err)
	}

	cause := context.Cause(ctx)
	if errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}

func startupCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}

// runner implements Session for the platform it hosts.
type runner struct {
	schema    Schema
	channel   *ipc.Channel
	logger    *slog.Logger
	secrets   ipc.Secrets
	openStore func(sessionID, secret string) (CredentialStore, error)
	platform  Platform
	cancel    context.CancelCauseFunc

	mu     sync.Mutex
	pinned map[string]string
	fatal  bool
}

func (r *runner) handle(ctx context.Context, data *queue.JobData) (result any, err error) {
	msg := data.Msg
	sessionSecret := msg.SessionSecret
	msg.SessionSecret = ""

	if !r.schema.HasVerb(msg.Type) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVerb, msg.Type)
	}
	job := &Job{Title: data.Title, SessionID: data.SessionID, Msg: msg}
	if r.schema.NeedsCredentials(msg.Type) {
		credentials, err := r.credentials(ctx, data.SessionID, sessionSecret, msg.ActorID())
		if err != nil {
			return nil, err
		}
		job.Credentials = credentials
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = Fatal(fmt.Errorf("%s panicked: %v", msg.Type, recovered))
			r.reportFatal(msg, err)
		}
	}()
	result, err = r.platform.Handle(ctx, job)
	if errors.Is(err, ErrFatal) {
		r.reportFatal(msg, err)
	}
	return result, err
}

func (r *runner) credentials(ctx context.Context, sessionID, sessionSecret, actorID string) (*activity.Stream, error) {
	if r.openStore == nil {
		return nil, errors.New("no credentials store configured")
	}
	if sessionSecret == "" {
		return nil, errors.New("job carries no session secret")
	}
	store, err := r.openStore(sessionID, r.secrets.ParentSecret1+sessionSecret)
	if err != nil {
		return nil, fmt.Errorf("opening credentials store: %w", err)
	}
	defer store.Close()

	r.mu.Lock()
	pinned := r.pinned[actorID]
	r.mu.Unlock()

	credentials, err := store.Get(ctx, actorID, pinned, credential.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	if pinned != "" {
		return credentials, nil
	}

	hash, err := credential.Hash(credentials)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.pinned[actorID] = hash
	r.mu.Unlock()
	if err := r.channel.Send(ipc.Message{
		Command:         ipc.CommandUpdateCredentials,
		SessionID:       sessionID,
		CredentialsHash: hash,
	}); err != nil {
		r.logger.Warn("reporting credentials hash", "error", err)
	}
	return credentials, nil
}

func (r *runner) reportFatal(msg *activity.Stream, err error) {
	r.mu.Lock()
	if r.fatal {
		r.mu.Unlock()
		return
	}
	r.fatal = true
	r.mu.Unlock()

	r.logger.Error("fatal platform error", "verb", msg.Type, "error", err)
	if sendErr := r.channel.Send(ipc.Message{
		Command: ipc.CommandError,
		Stream:  msg,
		Error:   err.Error(),
	}); sendErr != nil {
		r.logger.Warn("reporting fatal error", "error", sendErr)
	}
	r.cancel(err)
}

// Send implements Session.
func (r *runner) Send(sessionID string, msg *activity.Stream) error {
	if msg == nil {
		return errors.New("sending nil message")
	}
	outgoing := msg.Clone()
	outgoing.SessionSecret = ""
	if outgoing.Context == "" {
		outgoing.Context = r.schema.Name
	}
	return r.channel.Send(ipc.Message{Command: ipc.CommandMessage, SessionID: sessionID, Stream: outgoing})
}

// UpdateActor implements Session.
func (r *runner) UpdateActor(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	r.mu.Lock()
	if hash, ok := r.pinned[oldID]; ok {
		delete(r.pinned, oldID)
		r.pinned[newID] = hash
	}
	r.mu.Unlock()
	return r.channel.Send(ipc.Message{Command: ipc.CommandUpdateActor, OldActorID: oldID, NewActorID: newID})
}

// Logger implements Session.
func (r *runner) Logger() *slog.Logger { return r.logger }
