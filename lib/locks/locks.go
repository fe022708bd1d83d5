// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package locks

import (
	"context"
	"fmt"
	"slices"
	"syscall"
	"time"

	"github.com/bureau-foundation/enclave/lib/thread"
)

// Errors carry the POSIX errno of the equivalent pthread failure.
var (
	// ErrDeadlock: the calling thread already holds the lock.
	ErrDeadlock = fmt.Errorf("lock already held by the calling thread: %w", syscall.EDEADLK)

	// ErrBusy: a try-acquire found the lock held, or Destroy found it
	// in use.
	ErrBusy = fmt.Errorf("lock is busy: %w", syscall.EBUSY)

	// ErrNotOwner: release by a thread that does not hold the lock.
	ErrNotOwner = fmt.Errorf("lock not held by the calling thread: %w", syscall.EPERM)
)

// Parker suspends and wakes enclave threads. thread.Manager implements
// it.
type Parker interface {
	Park(ctx context.Context, timeout time.Duration) (timedOut bool, err error)
	Unpark(ctx context.Context, id uint64) error
}

func self(ctx context.Context) (uint64, error) {
	current := thread.Current(ctx)
	if current == nil {
		return 0, thread.ErrNoThread
	}
	return current.ID(), nil
}

// removeWaiter deletes the first occurrence of id from queue.
func removeWaiter(queue []uint64, id uint64) []uint64 {
	if i := slices.Index(queue, id); i >= 0 {
		return slices.Delete(queue, i, i+1)
	}
	return queue
}
