// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/testutil"
)

func startWorker(t *testing.T, backend Consumer, handler Handler) {
	t.Helper()
	worker, err := NewWorker(backend, testSecret, handler, WorkerOptions{
		Logger:      discardLogger(),
		PollTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for worker to stop"); err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func TestWorkerRoundTrip(t *testing.T) {
	backend := NewMemory()
	queue := newTestQueue(t, backend)

	startWorker(t, backend, func(ctx context.Context, job *JobData) (any, error) {
		switch job.Msg.Type {
		case "fail":
			return nil, errors.New("remote refused")
		case "panic":
			panic("driver crashed")
		}
		return map[string]string{"echo": job.Msg.Object["content"].(string)}, nil
	})

	ctx := context.Background()
	ok := message("dummy", "ok")
	failing := message("dummy", "fail")
	failing.Type = "fail"
	panicking := message("dummy", "panic")
	panicking.Type = "panic"
	for _, msg := range []*activity.Stream{ok, failing, panicking} {
		if _, err := queue.Add(ctx, "s1", msg); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	completed := testutil.RequireReceive(t, queue.Events(), 5*time.Second, "waiting for first job")
	if completed.Kind != Completed || completed.Job.Title != "dummy-ok" {
		t.Fatalf("first event = %+v", completed)
	}
	if string(completed.Result) != `{"echo":"hello"}` {
		t.Errorf("result = %s", completed.Result)
	}

	failed := testutil.RequireReceive(t, queue.Events(), 5*time.Second, "waiting for second job")
	if failed.Kind != Failed || failed.Reason != "remote refused" {
		t.Errorf("second event = %+v", failed)
	}

	panicked := testutil.RequireReceive(t, queue.Events(), 5*time.Second, "waiting for third job")
	if panicked.Kind != Failed || !strings.Contains(panicked.Reason, "driver crashed") {
		t.Errorf("third event = %+v", panicked)
	}
}

func TestWorkerProcessesSequentially(t *testing.T) {
	backend := NewMemory()
	queue := newTestQueue(t, backend)

	running := make(chan struct{}, 10)
	release := make(chan struct{})
	startWorker(t, backend, func(ctx context.Context, job *JobData) (any, error) {
		running <- struct{}{}
		<-release
		return nil, nil
	})

	ctx := context.Background()
	for _, id := range []string{"1", "2"} {
		if _, err := queue.Add(ctx, "s1", message("dummy", id)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	testutil.RequireReceive(t, running, 5*time.Second, "waiting for first job to start")
	testutil.RequireNoReceive(t, running, 100*time.Millisecond, "second job started while the first was running")
	release <- struct{}{}
	testutil.RequireReceive(t, running, 5*time.Second, "waiting for second job to start")
	release <- struct{}{}

	for i := 0; i < 2; i++ {
		event := testutil.RequireReceive(t, queue.Events(), 5*time.Second, "waiting for settle")
		if event.Kind != Completed {
			t.Errorf("event = %+v", event)
		}
	}
}
