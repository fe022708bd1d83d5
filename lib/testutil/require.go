// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"testing"
	"time"
)

// RequireReceive reads one value from ch within timeout, or fails the
// test. Enclave threads hand results back over channels; this keeps a
// lost wakeup from hanging the test binary.
//
//	err := testutil.RequireReceive(t, done, 5*time.Second, "park release")
func RequireReceive[T any](t testing.TB, ch <-chan T, timeout time.Duration, what string, args ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", fmt.Sprintf(what, args...))
		}
		return v
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v: %s", timeout, fmt.Sprintf(what, args...))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to be closed (or receive a value) within
// timeout, or fails the test. Thread handles signal exit by closing
// Done.
//
//	testutil.RequireClosed(t, handle.Done(), 5*time.Second, "thread %d exit", handle.ID())
func RequireClosed(t testing.TB, ch <-chan struct{}, timeout time.Duration, what string, args ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v waiting for channel close: %s", timeout, fmt.Sprintf(what, args...))
	}
}

// RequireEventually polls condition every millisecond until it holds,
// failing the test after timeout. For states another thread reaches
// without signalling: a waiter queued on a lock, a thread parked in
// the host.
func RequireEventually(t testing.TB, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout) //nolint:realclock
	for !condition() {
		if time.Now().After(deadline) { //nolint:realclock
			t.Fatalf("timed out after %v waiting for %s", timeout, what)
		}
		time.Sleep(time.Millisecond) //nolint:realclock
	}
}
