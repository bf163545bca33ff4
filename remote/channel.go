// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package remote defines the capability used to run commands on the
// machine being prepared, and a polling primitive for waiting on
// kernel or daemon state to converge after a command has been issued.
package remote

import (
	"time"
)

// DefaultTimeout bounds how long we wait for a single remote command
// to report back. It bounds waiting for the response only; a command
// already issued cannot be aborted mid-flight.
const DefaultTimeout = 2 * time.Minute

// Channel runs a single shell command on the remote machine. The exit
// code is the sole success signal for probes; output is only parsed
// for documented tool-specific formats and is otherwise opaque.
//
// Implementations are session-scoped: a Channel must not be shared
// between disks being activated concurrently.
type Channel interface {
	Run(command string, timeout time.Duration) (code int, output string, err error)
}
