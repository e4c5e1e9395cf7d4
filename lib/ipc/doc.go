// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the messages exchanged between the dispatcher
// and a platform process, and the channel that carries them.
//
// The dispatcher starts each platform process with a pair of pipes.
// Messages are CBOR-encoded [Message] values written back to back on
// the pipe; CBOR items are self-delimiting, so no extra framing is
// needed. Every message has a [Command] naming its kind and only the
// fields that kind uses:
//
//	parent -> child   secrets            boot secrets for the job worker
//	child -> parent   callback           worker is ready
//	child -> parent   message            platform emission for a session
//	child -> parent   updateCredentials  pinned credentials hash
//	child -> parent   updateActor        actor id changed after connect
//	child -> parent   error              fatal platform error; exit follows
//
// Jobs themselves do not travel over IPC; they move through the queue.
package ipc
