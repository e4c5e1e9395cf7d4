// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"time"
)

// EventKind distinguishes settled-job notifications.
type EventKind string

const (
	Completed EventKind = "completed"
	Failed    EventKind = "failed"
)

// BackendEvent announces that a job settled. The job itself is read
// back with Producer.Job.
type BackendEvent struct {
	Kind  EventKind
	JobID string
}

// StoredJob is a job as read back from a backend.
type StoredJob struct {
	ID           string
	Data         *Job
	ReturnValue  json.RawMessage
	FailedReason string
}

// ActiveJob is a job a Consumer has handed to a worker. Token
// identifies this activation; settling with a stale token fails.
type ActiveJob struct {
	ID    string
	Token string
	Data  *Job
}

// StalledReport lists the jobs one stalled check acted on.
type StalledReport struct {
	Recovered []string
	Failed    []string
}

// Producer is the dispatcher side of a queue backend.
type Producer interface {
	// Add stores job and makes it available to consumers. It
	// returns the backend job id.
	Add(ctx context.Context, job *Job) (string, error)

	// Job reads a job back. It returns ErrJobNotFound if the job
	// has expired or been removed.
	Job(ctx context.Context, id string) (*StoredJob, error)

	// Subscribe returns a channel of settle notifications. The
	// channel is closed when ctx is done or the backend is closed.
	Subscribe(ctx context.Context) (<-chan BackendEvent, error)

	// Pause stops consumers from taking new jobs.
	Pause(ctx context.Context) error

	// Resume reverses Pause.
	Resume(ctx context.Context) error

	// Obliterate removes every job and all queue state.
	Obliterate(ctx context.Context) error

	Close() error
}

// Consumer is the worker side of a queue backend.
type Consumer interface {
	// Next moves the oldest waiting job to active and locks it. It
	// returns nil with no error when no job arrives within timeout
	// or the queue is paused.
	Next(ctx context.Context, timeout time.Duration) (*ActiveJob, error)

	// ExtendLock renews the lock of an active job.
	ExtendLock(ctx context.Context, job *ActiveJob) error

	// Complete settles job successfully with the encoded result.
	Complete(ctx context.Context, job *ActiveJob, result json.RawMessage) error

	// Fail settles job with a failure reason.
	Fail(ctx context.Context, job *ActiveJob, reason string) error

	// RecoverStalled moves active jobs whose lock has lapsed back to
	// waiting, or fails them once they have stalled more than
	// maxStalledCount times.
	RecoverStalled(ctx context.Context, maxStalledCount int) (StalledReport, error)

	Close() error
}
