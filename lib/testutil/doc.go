// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Sockethub packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern used when a test waits for an event emitted by a goroutine
// (a queue completion, a socket emission, a child process exit). They
// are the only place tests use a real wall-clock timeout; everything
// that is periodic by design runs on a lib/clock Fake instead.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation (session IDs, actor IDs, job IDs).
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
