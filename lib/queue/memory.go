// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process backend implementing both Producer and
// Consumer. It is used by tests and by single-process development
// setups where the platform runs in the dispatcher's address space.
// Settled jobs are kept until Remove or Obliterate.
type Memory struct {
	mu          sync.Mutex
	nextID      int
	jobs        map[string]*memoryJob
	wait        []string
	paused      bool
	closed      bool
	subscribers []chan BackendEvent
	wake        chan struct{}

	// adds counts successful Add calls.
	adds int
}

type memoryJob struct {
	data         *Job
	active       bool
	returnValue  json.RawMessage
	failedReason string
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*memoryJob),
		wake: make(chan struct{}, 1),
	}
}

// Adds returns the number of jobs added so far.
func (m *Memory) Adds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adds
}

// Remove deletes a job as if it had expired.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// Publish sends a settle notification without touching job state.
func (m *Memory) Publish(event BackendEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publish(event)
}

// publish delivers event to every subscriber with buffer space.
// Caller holds m.mu, which also serializes against unsubscribe
// closing the channels.
func (m *Memory) publish(event BackendEvent) {
	for _, subscriber := range m.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}

func (m *Memory) Add(_ context.Context, job *Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrQueueClosed
	}
	m.nextID++
	id := strconv.Itoa(m.nextID)
	copied := *job
	m.jobs[id] = &memoryJob{data: &copied}
	m.wait = append(m.wait, id)
	m.adds++
	m.signal()
	return id, nil
}

func (m *Memory) Job(_ context.Context, id string) (*StoredJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *job.data
	return &StoredJob{
		ID:           id,
		Data:         &copied,
		ReturnValue:  job.returnValue,
		FailedReason: job.failedReason,
	}, nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan BackendEvent, error) {
	channel := make(chan BackendEvent, eventBuffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrQueueClosed
	}
	m.subscribers = append(m.subscribers, channel)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.unsubscribe(channel)
	}()
	return channel, nil
}

func (m *Memory) unsubscribe(channel chan BackendEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for index, subscriber := range m.subscribers {
		if subscriber == channel {
			m.subscribers = append(m.subscribers[:index], m.subscribers[index+1:]...)
			close(channel)
			return
		}
	}
}

func (m *Memory) Pause(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	return nil
}

func (m *Memory) Resume(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.signal()
	return nil
}

func (m *Memory) Obliterate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = make(map[string]*memoryJob)
	m.wait = nil
	return nil
}

// Close closes all subscriptions. Both the producer and consumer side
// may call it.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subscriber := range m.subscribers {
		close(subscriber)
	}
	m.subscribers = nil
	m.signal()
	return nil
}

func (m *Memory) Next(ctx context.Context, timeout time.Duration) (*ActiveJob, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if !m.paused && len(m.wait) > 0 {
			id := m.wait[0]
			m.wait = m.wait[1:]
			job, ok := m.jobs[id]
			if !ok {
				m.mu.Unlock()
				continue
			}
			job.active = true
			copied := *job.data
			m.mu.Unlock()
			return &ActiveJob{ID: id, Token: id, Data: &copied}, nil
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) ExtendLock(context.Context, *ActiveJob) error { return nil }

func (m *Memory) Complete(_ context.Context, job *ActiveJob, result json.RawMessage) error {
	return m.settle(job.ID, Completed, result, "")
}

func (m *Memory) Fail(_ context.Context, job *ActiveJob, reason string) error {
	return m.settle(job.ID, Failed, nil, reason)
}

// RecoverStalled is a no-op: in-process jobs cannot outlive their
// worker.
func (m *Memory) RecoverStalled(context.Context, int) (StalledReport, error) {
	return StalledReport{}, nil
}

func (m *Memory) settle(id string, kind EventKind, result json.RawMessage, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.active = false
	job.returnValue = result
	job.failedReason = reason
	m.publish(BackendEvent{Kind: kind, JobID: id})
	return nil
}

// signal wakes a blocked Next. Caller holds m.mu.
func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
