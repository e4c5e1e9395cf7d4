// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Sockethub.
//
// Configuration comes from at most one file, named by the
// SOCKETHUB_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). Files ending in .json are JSON with comments
// and trailing commas allowed; anything else is YAML. Without a file
// the development defaults apply, so a local dispatcher starts with no
// setup beyond a Redis on localhost.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. Production defaults are quieter: the
// log level is raised to info when the file does not set one.
//
// After the file, a fixed set of environment variables override the
// connection settings deployments most often inject: REDIS_URL,
// REDIS_HOST, REDIS_PORT, SOCKETHUB_HOST and SOCKETHUB_PORT. No other
// variables are consulted, apart from ${VAR} expansion in
// platform_binary.
//
// This package depends on no other Sockethub packages.
package config
