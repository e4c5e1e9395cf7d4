// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential stores actor credentials for one client session.
//
// A [Store] is scoped to a (dispatcher, session) pair and keyed by
// actor id. Values are credentials ActivityStreams serialized as JSON
// and encrypted with [sealed.Encrypt] before they reach Redis, so the
// backing store never holds plaintext secrets. The layout is one Redis
// hash per session:
//
//	sockethub:<parentId>:data-layer:credentials-store:<sessionId>
//	    <actorId> -> <iv>:<ciphertext>
//
// The dispatcher writes to the store when a client submits
// credentials; the platform process reads from it with the same
// secret when a job needs them. Neither side holds credentials in
// memory longer than one job.
//
// [Store.Get] enforces two rules beyond lookup. A caller that already
// knows the credentials hash an instance was started with passes it so
// a changed credential set is reported as [ErrMismatch] instead of
// silently replacing the live connection's identity. A caller
// attaching a session to an instance another session already holds
// sets [GetOptions.ValidateSessionShare]; empty (anonymous)
// credentials are then refused with [ErrNotShareable].
//
// The Redis connection is acquired from [redisconn] lazily on first use
// and released by [Store.Close]. Construction validates the secret and
// performs no I/O.
package credential
