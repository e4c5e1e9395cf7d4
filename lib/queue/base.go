// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/sealed"
)

var (
	// ErrQueueClosed is returned by Add on a paused or shut down
	// queue.
	ErrQueueClosed = errors.New("queue closed")

	// ErrJobNotFound is returned by backends when a job has already
	// been removed.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidSecret is returned when a queue or worker secret is
	// not exactly sealed.SecretLength characters.
	ErrInvalidSecret = errors.New("queue secret must be 32 chars")
)

// StalledReason is the failure reason of a job that exceeded the
// stalled limit.
const StalledReason = "job stalled more than allowable limit"

// Name returns the backend queue name of a platform instance. Colons
// are replaced with dashes so the name can itself be used as a key
// prefix.
func Name(parentID, instanceID string) string {
	return strings.ReplaceAll("sockethub:"+parentID+":data-layer:queue:"+instanceID, ":", "-")
}

// Job is the stored form of a job. Msg is the encrypted JSON
// ActivityStream.
type Job struct {
	// ID is the backend job id, set by Queue.Add. It is not stored.
	ID string `json:"-"`

	Title     string `json:"title"`
	SessionID string `json:"sessionId"`
	Msg       string `json:"msg"`
}

// JobData is a decrypted job.
type JobData struct {
	Title     string           `json:"title"`
	SessionID string           `json:"sessionId"`
	Msg       *activity.Stream `json:"msg"`
}

// Base holds the job secret and the primitives both queue roles use.
type Base struct {
	secret string
}

// NewBase validates secret and returns a Base using it.
func NewBase(secret string) (Base, error) {
	if len(secret) != sealed.SecretLength {
		return Base{}, fmt.Errorf("%w (got %d)", ErrInvalidSecret, len(secret))
	}
	return Base{secret: secret}, nil
}

// EncryptActivityStream serializes and encrypts msg.
func (b Base) EncryptActivityStream(msg *activity.Stream) (string, error) {
	plaintext, err := activity.Encode(msg)
	if err != nil {
		return "", fmt.Errorf("encoding job message: %w", err)
	}
	return sealed.Encrypt(plaintext, b.secret)
}

// DecryptActivityStream reverses EncryptActivityStream.
func (b Base) DecryptActivityStream(text string) (*activity.Stream, error) {
	plaintext, err := sealed.Decrypt(text, b.secret)
	if err != nil {
		return nil, err
	}
	return activity.Decode(plaintext)
}

// DecryptJobData returns the decrypted form of job.
func (b Base) DecryptJobData(job *Job) (*JobData, error) {
	if job == nil {
		return nil, errors.New("decrypting job: no job")
	}
	msg, err := b.DecryptActivityStream(job.Msg)
	if err != nil {
		return nil, fmt.Errorf("decrypting job %s: %w", job.Title, err)
	}
	return &JobData{Title: job.Title, SessionID: job.SessionID, Msg: msg}, nil
}

func encodeJob(job *Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encoding job: %w", err)
	}
	return string(data), nil
}

func decodeJob(data string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}
