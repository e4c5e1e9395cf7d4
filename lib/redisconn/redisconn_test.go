// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package redisconn

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/sockethub/lib/clock"
)

func serverConfig(t *testing.T) Config {
	t.Helper()
	server := miniredis.RunT(t)
	port, err := strconv.Atoi(server.Port())
	if err != nil {
		t.Fatalf("parsing miniredis port: %v", err)
	}
	return Config{Host: server.Host(), Port: port}
}

func TestAcquireSharesClient(t *testing.T) {
	t.Cleanup(func() { Reset() })
	config := serverConfig(t)

	first, err := Acquire(config)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := Acquire(config)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first != second {
		t.Error("Acquire returned two different clients for the same config")
	}
	if References() != 2 {
		t.Errorf("References = %d, want 2", References())
	}

	if err := Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Ping(context.Background()).Err(); err != nil {
		t.Errorf("client closed while a reference remained: %v", err)
	}
	if err := Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if References() != 0 {
		t.Errorf("References = %d, want 0", References())
	}

	third, err := Acquire(config)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if third == first {
		t.Error("Acquire reused a closed client")
	}
}

func TestAcquireRejectsSecondServer(t *testing.T) {
	t.Cleanup(func() { Reset() })
	if _, err := Acquire(serverConfig(t)); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := Acquire(serverConfig(t)); err == nil {
		t.Error("Acquire with a different server succeeded")
	}
}

func TestOptionsFromURL(t *testing.T) {
	options, err := Config{URL: "redis://cache.internal:6380/2"}.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if options.Addr != "cache.internal:6380" || options.DB != 2 {
		t.Errorf("options = %s db %d", options.Addr, options.DB)
	}
	if options.MaxRetries != Attempts {
		t.Errorf("MaxRetries = %d, want %d", options.MaxRetries, Attempts)
	}

	if _, err := (Config{URL: "not a url"}).Options(); err == nil {
		t.Error("invalid url accepted")
	}
}

type failingPinger struct {
	calls int
}

func (p *failingPinger) Ping(ctx context.Context) *redis.StatusCmd {
	p.calls++
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetErr(errors.New("connection refused"))
	return cmd
}

func TestConnectGivesUp(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pinger := &failingPinger{}

	result := make(chan error, 1)
	go func() { result <- Connect(context.Background(), pinger, fake) }()

	fake.WaitForTimers(1)
	fake.Advance(BaseBackoff)
	fake.WaitForTimers(1)
	fake.Advance(2 * BaseBackoff)

	err := <-result
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Connect error = %v, want ErrUnavailable", err)
	}
	if pinger.calls != Attempts {
		t.Errorf("ping attempts = %d, want %d", pinger.calls, Attempts)
	}
}
