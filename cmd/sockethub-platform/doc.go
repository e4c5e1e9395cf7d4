// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Sockethub-platform hosts one platform instance for the sockethub
// dispatcher. The dispatcher starts it with the platform name, its own
// parent id and the instance identifier:
//
//	sockethub-platform --platform dummy --parent-id <uuid> --instance-id <hash>
//
// Standard input and output carry CBOR IPC messages. The first message
// from the dispatcher holds the parent secrets; once the instance job
// queue is open the process answers with a ready callback and starts
// working jobs. Credentials are read from the session's encrypted
// store in Redis. Logs go to standard error as JSON, which the
// dispatcher inherits.
//
// The process exits when standard input closes, on SIGTERM, or after
// a fatal platform error, which it reports over IPC first and signals
// with exit status 3.
package main
