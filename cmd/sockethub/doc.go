// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Sockethub is the dispatcher. It accepts websocket clients, routes
// their ActivityStreams messages to platform processes through
// encrypted Redis job queues, and relays what the platforms send back.
//
// # Sessions
//
// Every client connection is a session with its own random secret and
// credentials store. Three events are routed through middleware
// chains:
//
//   - credentials: expand, validate against the platform's credentials
//     shape, refuse credentials that differ from those a shared live
//     instance runs with, store encrypted.
//   - activity-object: validate, add to the shared object cache that
//     expand reads.
//   - message: expand, validate, rate limit, attach the session
//     secret, check the session may share the actor's instance, start
//     or reuse the instance, enqueue. The acknowledgement is answered
//     when the job settles.
//
// A rejected event is answered through its acknowledgement, or with a
// "failure" event when the client sent none.
//
// # Platform instances
//
// A persistent platform runs one sockethub-platform process per
// actor; any other platform runs one process shared by everybody.
// Instances are keyed by a short hash of the platform name and actor
// id, and concurrent requests for a missing instance start exactly one
// process. The new process receives the two parent secrets over its
// stdin and must answer within ten seconds.
//
// Completed and failed jobs are answered to the session that sent
// them, and the message is relayed to every other session using the
// instance. If the process reports a fatal error or exits on its own,
// every session is told and the instance is destroyed; the next
// message for the actor starts a fresh one.
//
// # Janitor
//
// Every janitor interval (15s by default) sessions that are no longer
// connected are pruned from every instance. An actor-bound instance
// found empty on two consecutive sweeps is destroyed. Global instances
// are never swept.
//
// # HTTP
//
// The websocket endpoint is served at public.path (/sockethub),
// prometheus metrics at /metrics, and a JSON health report at
// /healthz.
package main
