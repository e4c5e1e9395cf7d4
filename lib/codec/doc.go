// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Sockethub's standard CBOR encoding configuration.
//
// Sockethub uses two serialization formats with a clear boundary:
//
//   - JSON for everything a client sees or that is stored in Redis:
//     socket events, job payloads (before encryption), credentials.
//   - CBOR for the dispatcher↔platform process channel and for
//     content hashing of credential objects.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. Two
// maps with the same entries encode to identical bytes regardless of
// insertion order, which is what makes [sealed.ObjectHash] independent
// of key ordering.
//
// For stream-oriented operations (the IPC pipes):
//
//	encoder := codec.NewEncoder(stdin)
//	decoder := codec.NewDecoder(stdout)
//
// CBOR values are self-delimiting, so a pipe carrying a sequence of
// encoded values needs no additional framing.
//
// Types shared with JSON (ActivityStream messages) carry `json` tags
// only; fxamacker/cbor reads them as a fallback when `cbor` tags are
// absent. Types that only ever cross the IPC channel use `cbor` tags.
package codec
