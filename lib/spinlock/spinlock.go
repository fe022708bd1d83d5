// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package spinlock

import (
	"runtime"
	"sync/atomic"

	"github.com/bureau-foundation/enclave/lib/fault"
)

const (
	unlocked uint32 = 0
	locked   uint32 = 1

	// activeSpins is how many CAS attempts Lock makes before yielding
	// the processor.
	activeSpins = 64
)

// Lock is a CAS spinlock. The zero value is unlocked. A Lock must not
// be copied after first use.
type Lock struct {
	key atomic.Uint32
}

// Lock acquires the lock, spinning and then yielding until it is
// free.
func (l *Lock) Lock() {
	for {
		for range activeSpins {
			if l.key.Load() == unlocked && l.key.CompareAndSwap(unlocked, locked) {
				return
			}
		}
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *Lock) TryLock() bool {
	return l.key.CompareAndSwap(unlocked, locked)
}

// TryLockN makes at most n acquisition attempts.
func (l *Lock) TryLockN(n int) bool {
	for range n {
		if l.key.Load() == unlocked && l.key.CompareAndSwap(unlocked, locked) {
			return true
		}
	}
	return false
}

// Unlock releases the lock. Releasing a lock that is not held is an
// invariant violation.
func (l *Lock) Unlock() {
	if previous := l.key.Swap(unlocked); previous != locked {
		fault.Violate("spinlock: unlock of unlocked lock")
	}
}

// Held reports whether the lock is currently held by anyone. It is a
// snapshot for assertions, not a synchronization primitive.
func (l *Lock) Held() bool {
	return l.key.Load() == locked
}
