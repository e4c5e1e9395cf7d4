// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/sockethub/lib/clock"
)

// defaultJanitorInterval is the time between sweeps.
const defaultJanitorInterval = 15 * time.Second

// janitor destroys actor-bound instances nobody is using. An instance
// must be found without sessions on two consecutive sweeps before it
// is destroyed, so a page reload does not drop a live connection.
type janitor struct {
	registry  *registry
	transport transport
	clock     clock.Clock
	interval  time.Duration
	metrics   *metrics
	logger    *slog.Logger
}

// run sweeps on every tick until ctx is cancelled.
func (j *janitor) run(ctx context.Context) {
	interval := j.interval
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	ticker := j.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep prunes sessions that are no longer connected, flags empty
// instances, and destroys those that were already flagged. It returns
// the number destroyed.
func (j *janitor) sweep(ctx context.Context) int {
	live := make(map[string]bool)
	for _, sessionID := range j.transport.SessionIDs() {
		live[sessionID] = true
	}

	destroyed := 0
	for _, inst := range j.registry.all() {
		remaining := inst.pruneSessions(live)
		if inst.global {
			continue
		}
		if remaining > 0 {
			inst.mu.Lock()
			inst.flagged = false
			inst.mu.Unlock()
			continue
		}

		inst.mu.Lock()
		wasFlagged := inst.flagged
		inst.flagged = true
		inst.mu.Unlock()
		if !wasFlagged {
			j.logger.Debug("instance has no sessions, flagging", "instance", inst.ID(), "platform", inst.platform)
			continue
		}

		j.logger.Info("destroying idle platform instance", "instance", inst.ID(), "platform", inst.platform)
		if err := inst.destroy(ctx); err != nil {
			j.logger.Warn("destroying idle instance", "instance", inst.ID(), "error", err)
		}
		j.metrics.janitorDestroyedInstance()
		destroyed++
	}
	return destroyed
}
