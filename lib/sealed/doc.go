// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides the symmetric encryption, hashing, and token
// primitives used throughout Sockethub.
//
// Every job payload that enters Redis and every stored credentials
// object passes through [Encrypt]; every platform instance identifier
// is derived with [Hash]. The ciphertext format is
//
//	<hex iv>:<hex AES-256-CBC ciphertext>
//
// and the key is the 32 bytes of the secret string. Secrets are
// assembled by callers from two 16-character [RandToken] halves (a
// per-process half and a per-session or per-process second half), so
// this package only checks the final length.
//
// [Hash] is a routing identifier, not a security primitive: it is the
// first seven hex characters of a BLAKE3 digest, and collisions are
// tolerated only because the registry is scoped to one dispatcher.
package sealed
