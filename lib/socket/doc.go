// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package socket carries named events with acknowledgements over a
// WebSocket, the subset of Socket.IO semantics the dispatcher needs.
//
// Every frame is a JSON text message. A client sends
//
//	{"event": "message", "data": {...}, "ack": 7}
//
// where ack is optional; a non-zero ack asks the server to answer
// with exactly one
//
//	{"ack": 7, "data": ...}
//
// Server pushes are {"event": "...", "data": ...}. Events from one
// connection are delivered to its [Session] in arrival order, one at a
// time; a Session that needs to wait for work holds on to the
// [AckFunc] and returns.
//
// The [Server] keeps the table of live connections. [Server.Connected]
// and [Server.SessionIDs] are what the janitor consults to decide
// which platform instances still have clients.
package socket
