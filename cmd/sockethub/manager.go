// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/bureau-foundation/sockethub/lib/clock"
	"github.com/bureau-foundation/sockethub/lib/ipc"
	"github.com/bureau-foundation/sockethub/lib/platform"
	"github.com/bureau-foundation/sockethub/lib/queue"
)

// defaultStartupTimeout bounds the secrets handshake with a new
// platform process.
const defaultStartupTimeout = 10 * time.Second

// processManager starts platform processes and keeps the registry of
// live instances.
type processManager struct {
	parentID string
	secrets  ipc.Secrets
	spawn    spawnFunc

	// newProducer opens the dispatcher side of the queue with the
	// given name.
	newProducer func(name string) (queue.Producer, error)

	transport      transport
	clock          clock.Clock
	startupTimeout time.Duration
	metrics        *metrics
	logger         *slog.Logger

	registry *registry
}

type managerOptions struct {
	ParentID       string
	Secrets        ipc.Secrets
	Spawn          spawnFunc
	NewProducer    func(name string) (queue.Producer, error)
	Transport      transport
	Clock          clock.Clock
	StartupTimeout time.Duration
	Metrics        *metrics
	Logger         *slog.Logger
}

func newProcessManager(options managerOptions) *processManager {
	m := &processManager{
		parentID:       options.ParentID,
		secrets:        options.Secrets,
		spawn:          options.Spawn,
		newProducer:    options.NewProducer,
		transport:      options.Transport,
		clock:          options.Clock,
		startupTimeout: options.StartupTimeout,
		metrics:        options.Metrics,
		logger:         options.Logger,
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.startupTimeout <= 0 {
		m.startupTimeout = defaultStartupTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.registry = newRegistry(m.create, options.Metrics)
	return m
}

// ensureProcess returns the instance serving actorID on the platform,
// starting one if needed, and subscribes the session to it. The actor
// is ignored for platforms that do not persist.
func (m *processManager) ensureProcess(ctx context.Context, schema platform.Schema, sessionID, clientIP, actorID string) (*instance, error) {
	if !schema.Persist {
		actorID = ""
	}
	id := identifier(schema.Name, actorID, schema.Persist)
	inst, err := m.registry.ensure(ctx, id, schema.Name, actorID)
	if err != nil {
		return nil, err
	}
	inst.registerSession(sessionID, clientIP)
	return inst, nil
}

// lookup returns the live instance for actorID without creating one.
func (m *processManager) lookup(schema platform.Schema, actorID string) (*instance, bool) {
	return m.registry.get(identifier(schema.Name, actorID, schema.Persist))
}

// deregisterSession unsubscribes a session from every instance.
func (m *processManager) deregisterSession(sessionID string) {
	for _, inst := range m.registry.all() {
		inst.deregisterSession(sessionID)
	}
}

// create spawns the platform process, hands it the secrets, and
// attaches the job queue once the process reports ready.
func (m *processManager) create(ctx context.Context, id, platformName, actorID string) (*instance, error) {
	process, err := m.spawn(ctx, spawnRequest{Platform: platformName, ParentID: m.parentID, InstanceID: id})
	if err != nil {
		return nil, err
	}
	inst := newInstance(instanceOptions{
		ID:        id,
		Platform:  platformName,
		ParentID:  m.parentID,
		Actor:     actorID,
		Process:   process,
		Transport: m.transport,
		Registry:  m.registry,
		Metrics:   m.metrics,
		Logger:    m.logger,
	})

	if err := m.handshake(ctx, process); err != nil {
		return nil, multierr.Append(err, inst.destroy(ctx))
	}

	producer, err := m.newProducer(inst.queueName)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("opening queue %s: %w", inst.queueName, err), inst.destroy(ctx))
	}
	q, err := queue.New(ctx, producer, m.secrets.ParentSecret1+m.secrets.ParentSecret2, inst.logger)
	if err != nil {
		return nil, multierr.Combine(err, producer.Close(), inst.destroy(ctx))
	}
	inst.start(q)
	inst.logger.Info("platform instance started", "global", inst.global)
	return inst, nil
}

// handshake sends the secrets and waits for the ready callback.
func (m *processManager) handshake(ctx context.Context, process childProcess) error {
	if err := process.Send(ipc.Message{
		Command: ipc.CommandSecrets,
		Secrets: &ipc.Secrets{ParentSecret1: m.secrets.ParentSecret1, ParentSecret2: m.secrets.ParentSecret2},
	}); err != nil {
		return fmt.Errorf("sending secrets: %w", err)
	}
	timeout := m.clock.After(m.startupTimeout)
	for {
		select {
		case message, ok := <-process.Messages():
			if !ok {
				return errors.New("platform process exited during startup")
			}
			switch message.Command {
			case ipc.CommandCallback:
				return nil
			case ipc.CommandError:
				return fmt.Errorf("platform failed during startup: %s", message.Error)
			default:
				m.logger.Debug("ignoring ipc message before ready", "command", message.Command)
			}
		case <-timeout:
			return fmt.Errorf("platform did not become ready within %s", m.startupTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// shutdown destroys every live instance.
func (m *processManager) shutdown(ctx context.Context) error {
	var err error
	for _, inst := range m.registry.all() {
		err = multierr.Append(err, inst.destroy(ctx))
	}
	return err
}
