// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/sockethub/lib/clock"
)

// Worker defaults.
const (
	DefaultMaxStalledCount = 3
	DefaultStalledInterval = 30 * time.Second
	DefaultLockDuration    = 30 * time.Second
	DefaultPollTimeout     = 5 * time.Second

	// settleTimeout bounds the Complete or Fail call that follows a
	// handler, which runs detached from the worker context.
	settleTimeout = 10 * time.Second

	// retryDelay is the pause after a failed Next before trying
	// again.
	retryDelay = time.Second
)

// ErrHandlerPanic wraps a panic recovered from a Handler.
var ErrHandlerPanic = errors.New("job handler panicked")

// Handler processes one decrypted job. The returned value is stored as
// the job result; a returned error fails the job with its message.
type Handler func(ctx context.Context, job *JobData) (any, error)

// WorkerOptions tune a Worker. Zero values select the defaults.
type WorkerOptions struct {
	Logger          *slog.Logger
	Clock           clock.Clock
	MaxStalledCount int
	StalledInterval time.Duration
	LockDuration    time.Duration
	PollTimeout     time.Duration
}

// Worker is the platform side of an instance queue. It processes one
// job at a time, so jobs for one actor never run concurrently.
type Worker struct {
	Base

	consumer Consumer
	handler  Handler
	logger   *slog.Logger
	clock    clock.Clock

	maxStalledCount int
	stalledInterval time.Duration
	lockDuration    time.Duration
	pollTimeout     time.Duration
}

// NewWorker validates secret and returns a worker that runs handler
// for every job taken from consumer. The worker does nothing until
// Run is called.
func NewWorker(consumer Consumer, secret string, handler Handler, options WorkerOptions) (*Worker, error) {
	base, err := NewBase(secret)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("queue worker requires a handler")
	}
	worker := &Worker{
		Base:            base,
		consumer:        consumer,
		handler:         handler,
		logger:          options.Logger,
		clock:           options.Clock,
		maxStalledCount: options.MaxStalledCount,
		stalledInterval: options.StalledInterval,
		lockDuration:    options.LockDuration,
		pollTimeout:     options.PollTimeout,
	}
	if worker.logger == nil {
		worker.logger = slog.Default()
	}
	if worker.clock == nil {
		worker.clock = clock.Real()
	}
	if worker.maxStalledCount <= 0 {
		worker.maxStalledCount = DefaultMaxStalledCount
	}
	if worker.stalledInterval <= 0 {
		worker.stalledInterval = DefaultStalledInterval
	}
	if worker.lockDuration <= 0 {
		worker.lockDuration = DefaultLockDuration
	}
	if worker.pollTimeout <= 0 {
		worker.pollTimeout = DefaultPollTimeout
	}
	return worker, nil
}

// Run processes jobs until ctx is cancelled, then closes the consumer.
// It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	stalledDone := make(chan struct{})
	go func() {
		defer close(stalledDone)
		w.checkStalled(ctx)
	}()
	defer func() {
		<-stalledDone
		if err := w.consumer.Close(); err != nil {
			w.logger.Warn("closing queue consumer", "error", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := w.consumer.Next(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("taking next job", "error", err)
			select {
			case <-w.clock.After(retryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *ActiveJob) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	data, err := w.DecryptJobData(job.Data)
	if err != nil {
		w.logger.Warn("discarding undecryptable job", "job_id", job.ID, "error", err)
		if err := w.consumer.Fail(settleCtx, job, "job could not be decrypted"); err != nil {
			w.logger.Warn("failing job", "job_id", job.ID, "error", err)
		}
		return
	}

	renewDone := make(chan struct{})
	renewCtx, stopRenew := context.WithCancel(ctx)
	go func() {
		defer close(renewDone)
		w.renewLock(renewCtx, job)
	}()

	result, handlerErr := w.invoke(ctx, data)

	stopRenew()
	<-renewDone

	if handlerErr != nil {
		w.logger.Debug("job failed", "job_id", job.ID, "title", data.Title, "error", handlerErr)
		if err := w.consumer.Fail(settleCtx, job, handlerErr.Error()); err != nil {
			w.logger.Warn("failing job", "job_id", job.ID, "error", err)
		}
		return
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		if err := w.consumer.Fail(settleCtx, job, fmt.Sprintf("encoding job result: %v", err)); err != nil {
			w.logger.Warn("failing job", "job_id", job.ID, "error", err)
		}
		return
	}
	if err := w.consumer.Complete(settleCtx, job, encoded); err != nil {
		w.logger.Warn("completing job", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) invoke(ctx context.Context, data *JobData) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, recovered)
		}
	}()
	return w.handler(ctx, data)
}

func (w *Worker) renewLock(ctx context.Context, job *ActiveJob) {
	ticker := w.clock.NewTicker(w.lockDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.consumer.ExtendLock(ctx, job); err != nil && ctx.Err() == nil {
				w.logger.Warn("extending job lock", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (w *Worker) checkStalled(ctx context.Context) {
	ticker := w.clock.NewTicker(w.stalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := w.consumer.RecoverStalled(ctx, w.maxStalledCount)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("checking stalled jobs", "error", err)
				}
				continue
			}
			for _, id := range report.Recovered {
				w.logger.Info("recovered stalled job", "job_id", id)
			}
			for _, id := range report.Failed {
				w.logger.Warn("stalled job failed permanently", "job_id", id)
			}
		}
	}
}
