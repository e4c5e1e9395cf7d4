// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue moves encrypted jobs from the dispatcher to platform
// processes and carries their results back.
//
// Each platform instance owns one logical queue. The dispatcher side
// is a [Queue]: it encrypts the ActivityStream of every job with the
// instance secret before handing it to the backend, and turns the
// backend's completion notifications into [Event] values carrying the
// decrypted job and its result. The platform side is a [Worker]: it
// takes one job at a time, decrypts it, runs a [Handler], and settles
// the job with the handler's result. Results never travel through the
// queue as plaintext ActivityStreams; only the handler's return value
// is stored, and settled jobs expire a few minutes later.
//
// Both roles embed [Base], which owns the 32-character secret and the
// encrypt/decrypt primitives. Storage is behind two interfaces,
// [Producer] for the dispatcher and [Consumer] for the worker, so the
// roles can be tested without Redis. [Redis] implements both over a
// shared go-redis client; [Memory] implements both in process.
//
// A worker renews a lock on its active job. A job whose lock lapses
// (its worker died mid-job) is moved back to the wait list by the
// periodic stalled check, at most MaxStalledCount times, after which
// it fails permanently with [StalledReason].
package queue
