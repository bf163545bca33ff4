// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"strings"
	"sync"
	"time"

	"github.com/juju/retry"
	"github.com/juju/testing"
	gc "gopkg.in/check.v1"
)

// stubChannel answers remote commands from a test-supplied responder
// and records everything that was issued. Safe for concurrent use so
// pool tests can share the recording side.
type stubChannel struct {
	mu       sync.Mutex
	commands []string

	// respond maps a command to its exit code and output. A nil
	// respond answers success with no output.
	respond func(cmd string) (int, string)

	// err simulates a transport failure on every command.
	err error
}

func (ch *stubChannel) Run(cmd string, timeout time.Duration) (int, string, error) {
	ch.mu.Lock()
	ch.commands = append(ch.commands, cmd)
	respond := ch.respond
	ch.mu.Unlock()
	if ch.err != nil {
		return -1, "", ch.err
	}
	if respond == nil {
		return 0, "", nil
	}
	code, output := respond(cmd)
	return code, output, nil
}

// issued reports whether any recorded command contains substr.
func (ch *stubChannel) issued(substr string) bool {
	return ch.count(substr) > 0
}

// count returns how many recorded commands contain substr.
func (ch *stubChannel) count(substr string) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	n := 0
	for _, cmd := range ch.commands {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}

// baseSuite collapses every delay table so state machines poll at
// full speed under test.
type baseSuite struct {
	testing.IsolationSuite
}

func (s *baseSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	fast := []time.Duration{0, 0, 0}
	s.PatchValue(&channelEnableDelays, fast)
	s.PatchValue(&dasdProbeDelays, fast)
	s.PatchValue(&adapterDelays, fast)
	s.PatchValue(&portDelays, fast)
	s.PatchValue(&lunDelays, fast)
	s.PatchValue(&multipathDelays, fast)
	s.PatchValue(&daemonRestartDelays, fast)
	s.PatchValue(&daemonRetryStrategy, retry.CallArgs{
		Attempts:    3,
		Delay:       time.Millisecond,
		MaxDelay:    time.Millisecond,
		BackoffFunc: retry.DoubleDelay,
	})
}
