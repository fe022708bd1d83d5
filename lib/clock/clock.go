// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the enclave's own notion of time. Production code injects
// Real(); tests inject Fake() with deterministic time control.
//
// Every function that measures a deadline (lock waits, park timeouts,
// retry windows) takes a Clock rather than calling the time package
// directly. Deadlines are always computed and re-checked against this
// clock; a host's claim that a wait timed out is never taken at face
// value.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the current goroutine for at least duration d.
	Sleep(d time.Duration)
}
