// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the
// Sockethub binaries.
//
// Four package-level variables are injected at build time via
// -ldflags -X:
//
//   - [GitCommit] -- short git SHA of the build
//   - [GitDirty] -- "true" if there were uncommitted changes
//   - [BuildTime] -- UTC timestamp of the build
//   - [Version] -- semantic version string (set manually for releases)
//
// [Print] writes the --version line both binaries share. The
// dispatcher also exports the values as the sockethub_build_info
// metric, and passes its own version to platform children so a
// mismatch shows up in the child's startup log.
package version
