// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform defines what a protocol integration provides and
// runs one inside a platform process.
//
// A platform is described by a [Schema] (its name, whether it keeps a
// connection per actor, its verbs, which verbs need credentials, and
// the shape of its credentials object) and created by a [Factory].
// Implementations register a [Definition] from an init function, the
// way database/sql drivers do; both the dispatcher and the platform
// binary import the implementations they support.
//
// The dispatcher uses only the schema, to derive instance identifiers,
// reject unknown verbs, and validate credentials before storing them.
// The platform process uses [Run], which performs the secrets
// handshake on the IPC channel, starts a [queue.Worker] on the
// instance queue, resolves credentials for verbs that need them, and
// calls [Platform.Handle] once per job.
//
// Handle returns a result or an error. A plain error fails the job
// and nothing else. An error wrapping [ErrFatal], or a panic, also
// reports an IPC error to the dispatcher and ends the process; the
// dispatcher then destroys the instance and tells its sessions.
package platform
