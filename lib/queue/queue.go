// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"go.uber.org/multierr"

	"github.com/bureau-foundation/sockethub/lib/activity"
)

// eventBuffer bounds how far settle events may run ahead of the
// consumer of Events.
const eventBuffer = 64

// Event is a settled job, decrypted.
type Event struct {
	Kind EventKind
	Job  *JobData

	// JobID is the backend job id, matching Job.ID of the job Add
	// returned.
	JobID string

	// Result is the handler's JSON-encoded return value, set for
	// Completed.
	Result json.RawMessage

	// Reason is the failure reason, set for Failed.
	Reason string
}

// Queue is the dispatcher side of an instance queue.
type Queue struct {
	Base

	backend Producer
	logger  *slog.Logger

	mu      sync.Mutex
	counter int
	paused  bool
	closed  bool

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates secret, subscribes to the backend's settle
// notifications, and returns a running queue. The secret is checked
// before the backend is touched.
func New(ctx context.Context, backend Producer, secret string, logger *slog.Logger) (*Queue, error) {
	base, err := NewBase(secret)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	listenCtx, cancel := context.WithCancel(ctx)
	notifications, err := backend.Subscribe(listenCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribing to queue events: %w", err)
	}

	queue := &Queue{
		Base:    base,
		backend: backend,
		logger:  logger,
		events:  make(chan Event, eventBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go queue.listen(listenCtx, notifications)
	return queue, nil
}

// Events delivers settled jobs. The channel is closed by Shutdown.
func (q *Queue) Events() <-chan Event { return q.events }

// Add encrypts msg and enqueues it as a job for sessionID. The job
// title is the message context followed by the message id, or by a
// per-queue counter when the message has no id.
func (q *Queue) Add(ctx context.Context, sessionID string, msg *activity.Stream) (*Job, error) {
	if msg == nil {
		return nil, errors.New("adding job: no message")
	}

	q.mu.Lock()
	if q.paused || q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	suffix := msg.ID
	if suffix == "" {
		suffix = strconv.Itoa(q.counter)
		q.counter++
	}
	q.mu.Unlock()

	encrypted, err := q.EncryptActivityStream(msg)
	if err != nil {
		return nil, fmt.Errorf("adding job: %w", err)
	}
	job := &Job{
		Title:     msg.Context + "-" + suffix,
		SessionID: sessionID,
		Msg:       encrypted,
	}
	id, err := q.backend.Add(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("adding job %s: %w", job.Title, err)
	}
	job.ID = id
	return job, nil
}

// Pause stops the worker from taking new jobs and makes Add fail with
// ErrQueueClosed.
func (q *Queue) Pause(ctx context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return q.backend.Pause(ctx)
}

// Resume reverses Pause.
func (q *Queue) Resume(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.paused = false
	q.mu.Unlock()
	return q.backend.Resume(ctx)
}

// Shutdown stops event delivery, pauses the queue, removes all of its
// state from the backend, and closes the backend. Every step runs even
// if an earlier one fails. Once Shutdown returns no goroutine started
// by the queue remains. Calling Shutdown again is a no-op.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	wasPaused := q.paused
	q.paused = true
	q.mu.Unlock()

	q.cancel()
	<-q.done

	var err error
	if !wasPaused {
		err = multierr.Append(err, q.backend.Pause(ctx))
	}
	err = multierr.Append(err, q.backend.Obliterate(ctx))
	err = multierr.Append(err, q.backend.Close())
	return err
}

func (q *Queue) listen(ctx context.Context, notifications <-chan BackendEvent) {
	defer close(q.done)
	defer close(q.events)

	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-notifications:
			if !ok {
				return
			}
			event, err := q.resolve(ctx, notification)
			if errors.Is(err, ErrJobNotFound) {
				q.logger.Debug("settled job already removed",
					"job_id", notification.JobID, "kind", notification.Kind)
				continue
			}
			if err != nil {
				q.logger.Warn("reading settled job",
					"job_id", notification.JobID, "kind", notification.Kind, "error", err)
				continue
			}
			select {
			case q.events <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (q *Queue) resolve(ctx context.Context, notification BackendEvent) (Event, error) {
	stored, err := q.backend.Job(ctx, notification.JobID)
	if err != nil {
		return Event{}, err
	}
	data, err := q.DecryptJobData(stored.Data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Kind:   notification.Kind,
		Job:    data,
		JobID:  notification.JobID,
		Result: stored.ReturnValue,
		Reason: stored.FailedReason,
	}, nil
}
