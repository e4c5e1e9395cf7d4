// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that periodic
// work (the janitor sweep, the stalled-job check, connection backoff)
// can be driven deterministically in tests.
//
// Production code holds a Clock field set to Real(). Tests construct a
// Fake, start the goroutine under test, wait for it to register its
// ticker with WaitForTimers, and then call Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	janitor := newJanitor(registry, sessions, fake, 15*time.Second, logger)
//	go janitor.Run(ctx)
//	fake.WaitForTimers(1)
//	fake.Advance(15 * time.Second)
package clock
