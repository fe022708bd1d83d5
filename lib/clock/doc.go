// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the enclave's time sources.
//
// [Clock] is the trusted, injectable time abstraction. Production code
// accepts a Clock instead of calling time.Now, time.After, or
// time.Sleep directly. In production, Real() provides the standard
// library behavior. In tests, Fake() provides a deterministic clock
// that moves only when Advance or Set is called.
//
// [Host] is the untrusted wall clock answered by the host through the
// time-query crossing. It is monotonic by construction: a reading that
// goes backwards is rejected as an untrusted response.
//
// # Wiring Pattern
//
// Add a Clock field to structs that measure time:
//
//	type Cond struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	// ... start goroutines ...
//	c.WaitForTimers(1) // wait for a goroutine to register a timeout
//	c.Advance(5 * time.Second)
//
// # FakeClock
//
// Sleep and After on a FakeClock register pending waiters.
// WaitForTimers blocks until enough of them exist, which removes the
// race between registration and Advance without real sleeps. Set can
// move the clock backwards; [FakeClock.Source] exposes the reading as
// a [TimeSource], so tests can play a host that rewinds its wall clock
// under a [Host].
package clock
