// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package redisconn owns the process-wide Redis connection shared by
// the credentials stores and job queues of one process.
//
// A dispatcher holds one credentials store per session and one queue
// per platform instance; opening a connection pool for each would grow
// the connection count with the number of sessions. Instead every
// component calls [Acquire], which returns the shared client (creating
// it on first use) and increments a reference count, and [Release]
// when it is torn down. The client is closed when the last reference
// is released. [Reset] drops the shared client unconditionally, for
// tests and for recovery after the connection is lost for good.
//
// Connection establishment is fail-fast: [Connect] pings with a
// bounded backoff of 200ms·2^n for three attempts and then gives up,
// surfacing the outage to operators instead of retrying forever.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/sockethub/lib/clock"
)

// Attempts is the number of connection attempts Connect makes.
const Attempts = 3

// BaseBackoff is the delay before the second attempt; each further
// attempt doubles it.
const BaseBackoff = 200 * time.Millisecond

// Config selects the Redis server. URL takes precedence over Host and
// Port when set.
type Config struct {
	URL  string `yaml:"url" json:"url"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	DB   int    `yaml:"db" json:"db"`
}

// Options converts the configuration into go-redis options. Command
// retries use the same bounded schedule as Connect.
func (c Config) Options() (*redis.Options, error) {
	var options *redis.Options
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		options = parsed
	} else {
		host := c.Host
		if host == "" {
			host = "127.0.0.1"
		}
		port := c.Port
		if port == 0 {
			port = 6379
		}
		options = &redis.Options{Addr: net.JoinHostPort(host, strconv.Itoa(port)), DB: c.DB}
	}
	options.MaxRetries = Attempts
	options.MinRetryBackoff = BaseBackoff
	options.MaxRetryBackoff = BaseBackoff << (Attempts - 1)
	return options, nil
}

var (
	mu         sync.Mutex
	shared     *redis.Client
	sharedKey  string
	references int
)

// Acquire returns the shared client for config, creating it lazily.
// Every successful Acquire must be balanced by one Release. Acquiring
// with a configuration that differs from the live client's fails;
// one process talks to one Redis.
func Acquire(config Config) (*redis.Client, error) {
	options, err := config.Options()
	if err != nil {
		return nil, err
	}
	key := options.Network + "|" + options.Addr + "|" + strconv.Itoa(options.DB) + "|" + options.Username

	mu.Lock()
	defer mu.Unlock()

	if shared != nil {
		if key != sharedKey {
			return nil, fmt.Errorf("redis client already connected to %s, cannot also use %s", sharedKey, key)
		}
		references++
		return shared, nil
	}
	shared = redis.NewClient(options)
	sharedKey = key
	references = 1
	return shared, nil
}

// Release drops one reference and closes the shared client when none
// remain. Extra calls are ignored.
func Release() error {
	mu.Lock()
	defer mu.Unlock()

	if shared == nil || references == 0 {
		return nil
	}
	references--
	if references > 0 {
		return nil
	}
	client := shared
	shared = nil
	sharedKey = ""
	return client.Close()
}

// Reset closes and forgets the shared client regardless of how many
// references are outstanding.
func Reset() error {
	mu.Lock()
	defer mu.Unlock()

	if shared == nil {
		return nil
	}
	client := shared
	shared = nil
	sharedKey = ""
	references = 0
	return client.Close()
}

// References reports the current reference count.
func References() int {
	mu.Lock()
	defer mu.Unlock()
	return references
}

// Pinger is the subset of a Redis client Connect needs.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrUnavailable is returned when Connect exhausts its attempts.
var ErrUnavailable = errors.New("redis unavailable")

// Connect pings client until it answers, waiting BaseBackoff·2^n
// between attempts, for at most Attempts attempts. It returns
// ErrUnavailable wrapping the last ping error when every attempt
// fails.
func Connect(ctx context.Context, client Pinger, clk clock.Clock) error {
	var lastErr error
	for attempt := 0; attempt < Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-clk.After(BaseBackoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, Attempts, lastErr)
}
