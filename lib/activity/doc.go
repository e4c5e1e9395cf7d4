// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package activity defines the ActivityStream envelope that every
// client message, credentials submission, job payload, and platform
// emission is carried in, together with structural validation and the
// shared activity-object cache.
//
// A message names its platform in Context and its verb in Type:
//
//	{"context": "dummy", "type": "echo",
//	 "actor": {"id": "a@b", "type": "person"},
//	 "object": {"type": "message", "content": "hello"}}
//
// Actor and Target accept either an object or a bare id string on the
// wire; a bare string decodes to an Object with only ID set, and
// [Cache.Expand] fills the remaining fields from previously registered
// activity objects.
//
// Validation here is structural only (required fields, shapes).
// Platform-specific checks (known context, supported verb, credentials
// schema) live with the platform registry.
package activity
