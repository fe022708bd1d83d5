// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package locks provides the enclave's blocking synchronization
// primitives: [Mutex], [Cond], and [RWLock].
//
// Each object keeps its state (owner, reader count, wait queues) in
// enclave memory behind a spinlock. An uncontended acquire or release
// never leaves the enclave. A contended acquire queues the calling
// thread and parks it through the host; release wakes the thread at
// the head of the queue.
//
// Wake-ups come from the host and are hints. A woken thread always
// re-checks the object's state under the spinlock and parks again if
// it still cannot proceed, so a spurious wake (or a wake the host
// delivers to the wrong thread) costs a crossing, never correctness.
// Timed waits compute their deadline on the enclave clock; the host's
// claim that a park timed out is ignored.
//
// Every operation takes the context of the calling enclave thread
// (see lib/thread). Lock ownership is by thread id, not goroutine.
package locks
