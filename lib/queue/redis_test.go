// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/sockethub/lib/testutil"
)

func newRedisPair(t *testing.T) (*Redis, *Redis, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	name := Name("parent", "instance")
	options := RedisOptions{LockDuration: time.Second, JobExpiry: time.Minute, Logger: discardLogger()}
	return NewRedis(client, name, options), NewRedis(client, name, options), server
}

func TestRedisAddNextComplete(t *testing.T) {
	producer, consumer, server := newRedisPair(t)
	ctx := context.Background()

	events, err := producer.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	id, err := producer.Add(ctx, &Job{Title: "dummy-1", SessionID: "s1", Msg: "00:ff"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	active, err := consumer.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if active == nil || active.ID != id || active.Data.Title != "dummy-1" {
		t.Fatalf("Next returned %+v", active)
	}
	if err := consumer.ExtendLock(ctx, active); err != nil {
		t.Errorf("ExtendLock: %v", err)
	}

	if err := consumer.Complete(ctx, active, json.RawMessage(`"done"`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	event := testutil.RequireReceive(t, events, 5*time.Second, "waiting for settle notice")
	if event.Kind != Completed || event.JobID != id {
		t.Errorf("event = %+v", event)
	}

	stored, err := producer.Job(ctx, id)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if string(stored.ReturnValue) != `"done"` || stored.Data.SessionID != "s1" {
		t.Errorf("stored = %+v", stored)
	}
	if ttl := server.TTL(Name("parent", "instance") + ":job:" + id); ttl <= 0 || ttl > time.Minute {
		t.Errorf("settled job TTL = %v, want within the expiry", ttl)
	}
}

func TestRedisSettleWithLostLock(t *testing.T) {
	producer, consumer, server := newRedisPair(t)
	ctx := context.Background()

	if _, err := producer.Add(ctx, &Job{Title: "dummy-1", Msg: "00:ff"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	active, err := consumer.Next(ctx, time.Second)
	if err != nil || active == nil {
		t.Fatalf("Next = %v, %v", active, err)
	}
	server.FastForward(2 * time.Second)
	if err := consumer.Complete(ctx, active, json.RawMessage(`null`)); err == nil {
		t.Error("Complete succeeded after the lock expired")
	}
	if err := consumer.ExtendLock(ctx, active); err == nil {
		t.Error("ExtendLock succeeded after the lock expired")
	}
}

func TestRedisStalledJobsFailAfterLimit(t *testing.T) {
	producer, consumer, server := newRedisPair(t)
	ctx := context.Background()

	events, err := producer.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	id, err := producer.Add(ctx, &Job{Title: "dummy-1", Msg: "00:ff"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	for attempt := 1; attempt <= DefaultMaxStalledCount; attempt++ {
		active, err := consumer.Next(ctx, time.Second)
		if err != nil || active == nil || active.ID != id {
			t.Fatalf("attempt %d: Next = %+v, %v", attempt, active, err)
		}
		server.FastForward(2 * time.Second)
		report, err := consumer.RecoverStalled(ctx, DefaultMaxStalledCount)
		if err != nil {
			t.Fatalf("RecoverStalled: %v", err)
		}
		if len(report.Recovered) != 1 || report.Recovered[0] != id || len(report.Failed) != 0 {
			t.Fatalf("attempt %d: report = %+v, want %s recovered", attempt, report, id)
		}
	}

	active, err := consumer.Next(ctx, time.Second)
	if err != nil || active == nil {
		t.Fatalf("final Next = %+v, %v", active, err)
	}
	server.FastForward(2 * time.Second)
	report, err := consumer.RecoverStalled(ctx, DefaultMaxStalledCount)
	if err != nil {
		t.Fatalf("RecoverStalled: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0] != id {
		t.Fatalf("final report = %+v, want %s failed", report, id)
	}

	event := testutil.RequireReceive(t, events, 5*time.Second, "waiting for failed notice")
	if event.Kind != Failed || event.JobID != id {
		t.Errorf("event = %+v", event)
	}
	stored, err := producer.Job(ctx, id)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if stored.FailedReason != StalledReason {
		t.Errorf("failed reason = %q, want %q", stored.FailedReason, StalledReason)
	}
}

func TestRedisRecoverIgnoresLockedJobs(t *testing.T) {
	producer, consumer, _ := newRedisPair(t)
	ctx := context.Background()

	if _, err := producer.Add(ctx, &Job{Title: "dummy-1", Msg: "00:ff"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if active, err := consumer.Next(ctx, time.Second); err != nil || active == nil {
		t.Fatalf("Next = %v, %v", active, err)
	}
	report, err := consumer.RecoverStalled(ctx, DefaultMaxStalledCount)
	if err != nil {
		t.Fatalf("RecoverStalled: %v", err)
	}
	if len(report.Recovered) != 0 || len(report.Failed) != 0 {
		t.Errorf("locked job treated as stalled: %+v", report)
	}
}

func TestRedisPauseAndObliterate(t *testing.T) {
	producer, consumer, server := newRedisPair(t)
	ctx := context.Background()

	if err := producer.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := producer.Add(ctx, &Job{Title: "dummy-1", Msg: "00:ff"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if active, err := consumer.Next(ctx, 10*time.Millisecond); err != nil || active != nil {
		t.Fatalf("Next on paused queue = %+v, %v", active, err)
	}

	if err := producer.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if active, err := consumer.Next(ctx, time.Second); err != nil || active == nil {
		t.Fatalf("Next after Resume = %+v, %v", active, err)
	}

	if err := producer.Obliterate(ctx); err != nil {
		t.Fatalf("Obliterate: %v", err)
	}
	for _, key := range server.Keys() {
		if strings.HasPrefix(key, Name("parent", "instance")+":") {
			t.Errorf("key %s survived Obliterate", key)
		}
	}
}

func TestRedisEndToEnd(t *testing.T) {
	producer, consumer, _ := newRedisPair(t)
	queue := newTestQueue(t, producer)
	startWorker(t, consumer, func(ctx context.Context, job *JobData) (any, error) {
		return job.Msg.Type + " ok", nil
	})

	if _, err := queue.Add(context.Background(), "s1", message("dummy", "7")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	event := testutil.RequireReceive(t, queue.Events(), 5*time.Second, "waiting for job result")
	if event.Kind != Completed || event.Job.Title != "dummy-7" || string(event.Result) != `"send ok"` {
		t.Errorf("event = %+v result %s", event, event.Result)
	}
}
