// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCode is the exit status a platform child uses after reporting a
// fatal platform error over IPC. The dispatcher already knows why the
// process is going away, so the code only distinguishes it from a
// crash in logs.
const ExitCode = 3
