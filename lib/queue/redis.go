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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultJobExpiry is how long a settled job stays readable.
const DefaultJobExpiry = 5 * time.Minute

// Redis is a queue backend over a go-redis client. For a queue named N
// it uses these keys:
//
//	N:id          job id counter
//	N:job:<id>    job hash (data, returnvalue, failedReason, stalledCounter)
//	N:wait        waiting job ids, oldest on the right
//	N:active      job ids held by a worker
//	N:lock:<id>   worker lock, expires unless renewed
//	N:marker      wake-up list a blocked worker waits on
//	N:paused      present while paused
//	N:events      pub/sub channel of "<kind>:<id>" settle notices
//
// The client is shared; Close releases only what this backend opened.
type Redis struct {
	client       redis.UniversalClient
	name         string
	expiry       time.Duration
	lockDuration time.Duration
	logger       *slog.Logger

	pubsub *redis.PubSub
}

// RedisOptions tune a Redis backend. Zero values select the defaults.
type RedisOptions struct {
	JobExpiry    time.Duration
	LockDuration time.Duration
	Logger       *slog.Logger
}

// NewRedis returns a backend for the queue name using client.
func NewRedis(client redis.UniversalClient, name string, options RedisOptions) *Redis {
	backend := &Redis{
		client:       client,
		name:         name,
		expiry:       options.JobExpiry,
		lockDuration: options.LockDuration,
		logger:       options.Logger,
	}
	if backend.expiry <= 0 {
		backend.expiry = DefaultJobExpiry
	}
	if backend.lockDuration <= 0 {
		backend.lockDuration = DefaultLockDuration
	}
	if backend.logger == nil {
		backend.logger = slog.Default()
	}
	return backend
}

func (r *Redis) key(parts ...string) string {
	return r.name + ":" + strings.Join(parts, ":")
}

func (r *Redis) jobPrefix() string  { return r.key("job") + ":" }
func (r *Redis) lockPrefix() string { return r.key("lock") + ":" }

// Add implements Producer.
func (r *Redis) Add(ctx context.Context, job *Job) (string, error) {
	encoded, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	sequence, err := r.client.Incr(ctx, r.key("id")).Result()
	if err != nil {
		return "", fmt.Errorf("allocating job id: %w", err)
	}
	id := strconv.FormatInt(sequence, 10)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.jobPrefix()+id,
			"name", job.Title,
			"data", encoded,
			"timestamp", time.Now().UnixMilli(),
		)
		pipe.LPush(ctx, r.key("wait"), id)
		pipe.LPush(ctx, r.key("marker"), "1")
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("storing job %s: %w", id, err)
	}
	return id, nil
}

// Job implements Producer.
func (r *Redis) Job(ctx context.Context, id string) (*StoredJob, error) {
	fields, err := r.client.HGetAll(ctx, r.jobPrefix()+id).Result()
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", id, err)
	}
	if len(fields) == 0 || fields["data"] == "" {
		return nil, ErrJobNotFound
	}
	data, err := decodeJob(fields["data"])
	if err != nil {
		return nil, err
	}
	stored := &StoredJob{ID: id, Data: data, FailedReason: fields["failedReason"]}
	if value := fields["returnvalue"]; value != "" {
		stored.ReturnValue = json.RawMessage(value)
	}
	return stored, nil
}

// Subscribe implements Producer.
func (r *Redis) Subscribe(ctx context.Context) (<-chan BackendEvent, error) {
	pubsub := r.client.Subscribe(ctx, r.key("events"))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", r.key("events"), err)
	}
	r.pubsub = pubsub

	events := make(chan BackendEvent, eventBuffer)
	messages := pubsub.Channel()
	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				kind, id, found := strings.Cut(message.Payload, ":")
				if !found {
					r.logger.Warn("malformed queue event", "payload", message.Payload)
					continue
				}
				select {
				case events <- BackendEvent{Kind: EventKind(kind), JobID: id}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

// Pause implements Producer.
func (r *Redis) Pause(ctx context.Context) error {
	return r.client.Set(ctx, r.key("paused"), "1", 0).Err()
}

// Resume implements Producer.
func (r *Redis) Resume(ctx context.Context) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key("paused"))
		pipe.LPush(ctx, r.key("marker"), "1")
		return nil
	})
	return err
}

// Obliterate implements Producer. It deletes every key under the
// queue name.
func (r *Redis) Obliterate(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.name+":*", 100).Result()
		if err != nil {
			return fmt.Errorf("scanning queue keys: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("deleting queue keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close implements Producer and Consumer.
func (r *Redis) Close() error {
	if r.pubsub == nil {
		return nil
	}
	pubsub := r.pubsub
	r.pubsub = nil
	return pubsub.Close()
}

// Next implements Consumer. It waits on the marker list between
// attempts so an idle worker costs one blocked connection.
func (r *Redis) Next(ctx context.Context, timeout time.Duration) (*ActiveJob, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := r.moveToActive(ctx)
		if err != nil || job != nil {
			return job, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining < time.Second {
			remaining = time.Second
		}
		err = r.client.BLPop(ctx, remaining, r.key("marker")).Err()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("waiting for jobs: %w", err)
		}
	}
}

func (r *Redis) moveToActive(ctx context.Context) (*ActiveJob, error) {
	token := uuid.NewString()
	reply, err := moveToActiveScript.Run(ctx, r.client,
		[]string{r.key("wait"), r.key("active"), r.key("paused")},
		r.lockPrefix(), r.jobPrefix(), token, r.lockDuration.Milliseconds(), time.Now().UnixMilli(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("moving job to active: %w", err)
	}
	if len(reply) != 2 {
		return nil, fmt.Errorf("moving job to active: unexpected reply %v", reply)
	}
	id, _ := reply[0].(string)
	encoded, _ := reply[1].(string)
	data, err := decodeJob(encoded)
	if err != nil {
		r.logger.Warn("failing undecodable job", "job_id", id, "error", err)
		job := &ActiveJob{ID: id, Token: token, Data: &Job{}}
		return nil, r.Fail(ctx, job, "job could not be decoded")
	}
	return &ActiveJob{ID: id, Token: token, Data: data}, nil
}

// ExtendLock implements Consumer.
func (r *Redis) ExtendLock(ctx context.Context, job *ActiveJob) error {
	extended, err := extendLockScript.Run(ctx, r.client,
		[]string{r.lockPrefix() + job.ID}, job.Token, r.lockDuration.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("extending lock of job %s: %w", job.ID, err)
	}
	if extended == 0 {
		return fmt.Errorf("lock of job %s is no longer held", job.ID)
	}
	return nil
}

// Complete implements Consumer.
func (r *Redis) Complete(ctx context.Context, job *ActiveJob, result json.RawMessage) error {
	return r.settle(ctx, job, Completed, "returnvalue", string(result))
}

// Fail implements Consumer.
func (r *Redis) Fail(ctx context.Context, job *ActiveJob, reason string) error {
	return r.settle(ctx, job, Failed, "failedReason", reason)
}

func (r *Redis) settle(ctx context.Context, job *ActiveJob, kind EventKind, field, value string) error {
	status, err := settleScript.Run(ctx, r.client,
		[]string{r.key("active"), r.key("events")},
		r.lockPrefix(), r.jobPrefix(), job.ID, job.Token, field, value,
		int64(r.expiry.Seconds()), time.Now().UnixMilli(), string(kind),
	).Int()
	if err != nil {
		return fmt.Errorf("settling job %s: %w", job.ID, err)
	}
	switch status {
	case settleMissing:
		return fmt.Errorf("settling job %s: %w", job.ID, ErrJobNotFound)
	case settleLockLost:
		return fmt.Errorf("settling job %s: lock is no longer held", job.ID)
	}
	return nil
}

// RecoverStalled implements Consumer.
func (r *Redis) RecoverStalled(ctx context.Context, maxStalledCount int) (StalledReport, error) {
	reply, err := stalledScript.Run(ctx, r.client,
		[]string{r.key("active"), r.key("wait"), r.key("events"), r.key("marker")},
		r.lockPrefix(), r.jobPrefix(), maxStalledCount, int64(r.expiry.Seconds()),
		time.Now().UnixMilli(), StalledReason,
	).Slice()
	if err != nil {
		return StalledReport{}, fmt.Errorf("checking stalled jobs: %w", err)
	}
	var report StalledReport
	if len(reply) == 2 {
		report.Recovered = stringSlice(reply[0])
		report.Failed = stringSlice(reply[1])
	}
	return report, nil
}

func stringSlice(value any) []string {
	items, _ := value.([]any)
	result := make([]string, 0, len(items))
	for _, item := range items {
		if text, ok := item.(string); ok {
			result = append(result, text)
		}
	}
	return result
}

const (
	settleMissing  = -1
	settleLockLost = -2
)

// KEYS: wait, active, paused
// ARGV: lock prefix, job prefix, token, lock ms, now ms
var moveToActiveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
  return nil
end
while true do
  local id = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
  if not id then
    return nil
  end
  local job = ARGV[2] .. id
  local data = redis.call("HGET", job, "data")
  if data then
    redis.call("SET", ARGV[1] .. id, ARGV[3], "PX", ARGV[4])
    redis.call("HSET", job, "processedOn", ARGV[5])
    return {id, data}
  end
  redis.call("LREM", KEYS[2], 1, id)
end
`)

// KEYS: lock
// ARGV: token, lock ms
var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// KEYS: active, events
// ARGV: lock prefix, job prefix, id, token, field, value, expiry s,
// now ms, kind
var settleScript = redis.NewScript(`
local lock = ARGV[1] .. ARGV[3]
local job = ARGV[2] .. ARGV[3]
if redis.call("EXISTS", job) == 0 then
  return -1
end
if redis.call("GET", lock) ~= ARGV[4] then
  return -2
end
redis.call("DEL", lock)
redis.call("LREM", KEYS[1], 0, ARGV[3])
redis.call("HSET", job, ARGV[5], ARGV[6], "finishedOn", ARGV[8])
redis.call("EXPIRE", job, ARGV[7])
redis.call("PUBLISH", KEYS[2], ARGV[9] .. ":" .. ARGV[3])
return 0
`)

// KEYS: active, wait, events, marker
// ARGV: lock prefix, job prefix, max stalled, expiry s, now ms, reason
var stalledScript = redis.NewScript(`
local recovered = {}
local failed = {}
local active = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(active) do
  if redis.call("EXISTS", ARGV[1] .. id) == 0 then
    local job = ARGV[2] .. id
    redis.call("LREM", KEYS[1], 1, id)
    if redis.call("EXISTS", job) == 1 then
      local count = redis.call("HINCRBY", job, "stalledCounter", 1)
      if count > tonumber(ARGV[3]) then
        redis.call("HSET", job, "failedReason", ARGV[6], "finishedOn", ARGV[5])
        redis.call("EXPIRE", job, ARGV[4])
        redis.call("PUBLISH", KEYS[3], "failed:" .. id)
        table.insert(failed, id)
      else
        redis.call("RPUSH", KEYS[2], id)
        table.insert(recovered, id)
      end
    end
  end
end
if #recovered > 0 then
  redis.call("LPUSH", KEYS[4], "1")
end
return {recovered, failed}
`)
