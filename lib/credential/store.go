// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/redisconn"
	"github.com/bureau-foundation/sockethub/lib/sealed"
)

var (
	// ErrInvalidSecretLength is returned by New when the secret is
	// not exactly sealed.SecretLength characters.
	ErrInvalidSecretLength = errors.New("credentials store secret must be 32 chars")

	// ErrNotFound is returned when no credentials are stored for the
	// actor in this session.
	ErrNotFound = errors.New("credentials not found")

	// ErrMismatch is returned when the stored credentials no longer
	// hash to the value the caller expected.
	ErrMismatch = errors.New("credentials hash mismatch")

	// ErrNotShareable is returned when a session asks to share an
	// instance whose stored credentials are empty.
	ErrNotShareable = errors.New("credentials are not shareable")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("credentials store closed")
)

// Key returns the Redis key holding the credentials of one session.
func Key(parentID, sessionID string) string {
	return "sockethub:" + parentID + ":data-layer:credentials-store:" + sessionID
}

// GetOptions modify Get.
type GetOptions struct {
	// ValidateSessionShare enables the share check: empty stored
	// credentials fail with ErrNotShareable when HeldElsewhere is
	// set.
	ValidateSessionShare bool

	// HeldElsewhere reports that another live session already holds
	// the platform instance this lookup is for.
	HeldElsewhere bool
}

// Store is the credentials store of one session. It is safe for
// concurrent use.
type Store struct {
	key    string
	secret string
	redis  redisconn.Config

	mu       sync.Mutex
	client   *redis.Client
	acquired bool
	closed   bool
}

// New returns a store for sessionID under the dispatcher parentID.
// The secret must be exactly 32 characters. No connection is made
// until the first Save or Get.
func New(parentID, sessionID, secret string, config redisconn.Config) (*Store, error) {
	if len(secret) != sealed.SecretLength {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidSecretLength, len(secret))
	}
	if parentID == "" || sessionID == "" {
		return nil, errors.New("credentials store requires parent and session ids")
	}
	return &Store{
		key:    Key(parentID, sessionID),
		secret: secret,
		redis:  config,
	}, nil
}

// Key returns the Redis key this store writes to.
func (s *Store) Key() string { return s.key }

func (s *Store) connection() (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.client != nil {
		return s.client, nil
	}
	client, err := redisconn.Acquire(s.redis)
	if err != nil {
		return nil, fmt.Errorf("connecting credentials store: %w", err)
	}
	s.client = client
	s.acquired = true
	return client, nil
}

// Save encrypts credentials and stores them for actorID, replacing
// any previous value. It returns the number of newly created entries:
// 1 for a first save, 0 for an overwrite.
func (s *Store) Save(ctx context.Context, actorID string, credentials *activity.Stream) (int64, error) {
	if actorID == "" {
		return 0, errors.New("saving credentials: actor id is required")
	}
	plaintext, err := activity.Encode(credentials)
	if err != nil {
		return 0, fmt.Errorf("encoding credentials: %w", err)
	}
	ciphertext, err := sealed.Encrypt(plaintext, s.secret)
	if err != nil {
		return 0, fmt.Errorf("encrypting credentials: %w", err)
	}
	client, err := s.connection()
	if err != nil {
		return 0, err
	}
	created, err := client.HSet(ctx, s.key, actorID, ciphertext).Result()
	if err != nil {
		return 0, fmt.Errorf("saving credentials for %s: %w", actorID, err)
	}
	return created, nil
}

// Get returns the credentials stored for actorID.
//
// When credentialsHash is non-empty the stored object is hashed and
// compared against it; a difference fails with ErrMismatch. When
// options enable the share check, empty credentials held by another
// session fail with ErrNotShareable.
func (s *Store) Get(ctx context.Context, actorID, credentialsHash string, options GetOptions) (*activity.Stream, error) {
	client, err := s.connection()
	if err != nil {
		return nil, err
	}
	ciphertext, err := client.HGet(ctx, s.key, actorID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w for %s", ErrNotFound, actorID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials for %s: %w", actorID, err)
	}
	plaintext, err := sealed.Decrypt(ciphertext, s.secret)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials for %s: %w", actorID, err)
	}
	credentials, err := activity.Decode(plaintext)
	if err != nil {
		return nil, fmt.Errorf("decoding credentials for %s: %w", actorID, err)
	}

	if options.ValidateSessionShare && options.HeldElsewhere && len(credentials.Object) == 0 {
		return nil, fmt.Errorf("%w: %s has no credentials and is in use by another session", ErrNotShareable, actorID)
	}

	if credentialsHash != "" {
		stored, err := Hash(credentials)
		if err != nil {
			return nil, err
		}
		if stored != credentialsHash {
			return nil, fmt.Errorf("%w for %s", ErrMismatch, actorID)
		}
	}
	return credentials, nil
}

// Clear deletes every credential stored for this session.
func (s *Store) Clear(ctx context.Context) error {
	client, err := s.connection()
	if err != nil {
		return err
	}
	if err := client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	return nil
}

// Close releases the Redis connection. Stored credentials are left in
// place for the platform process; Clear removes them.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.client = nil
	if !s.acquired {
		return nil
	}
	s.acquired = false
	return redisconn.Release()
}

// Hash returns the change-detection hash of a credentials object. Only
// the object is hashed; an absent object hashes like an empty one.
func Hash(credentials *activity.Stream) (string, error) {
	object := map[string]any{}
	if credentials != nil && credentials.Object != nil {
		object = credentials.Object
	}
	hash, err := sealed.ObjectHash(object)
	if err != nil {
		return "", fmt.Errorf("hashing credentials: %w", err)
	}
	return hash, nil
}
