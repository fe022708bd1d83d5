// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package locks

import (
	"context"
	"slices"
	"time"

	"github.com/bureau-foundation/enclave/lib/clock"
	"github.com/bureau-foundation/enclave/lib/spinlock"
)

// Cond is a condition variable used with a [Mutex].
type Cond struct {
	parker Parker
	clock  clock.Clock

	guard   spinlock.Lock
	waiters []*condWaiter
}

type condWaiter struct {
	id       uint64
	signaled bool
}

// NewCond creates a condition variable. Timed waits measure their
// deadline on clk.
func NewCond(parker Parker, clk clock.Clock) *Cond {
	return &Cond{parker: parker, clock: clk}
}

// Wait releases m, blocks until signaled, and reacquires m. The caller
// must hold m. m is reacquired even when ctx is cancelled; the
// cancellation is then returned.
func (c *Cond) Wait(ctx context.Context, m *Mutex) error {
	_, err := c.wait(ctx, m, time.Time{})
	return err
}

// WaitTimeout is Wait bounded by timeout on the enclave clock. It
// reports timedOut when the deadline passed without a signal.
func (c *Cond) WaitTimeout(ctx context.Context, m *Mutex, timeout time.Duration) (timedOut bool, err error) {
	return c.wait(ctx, m, c.clock.Now().Add(timeout))
}

// Signal wakes the longest-waiting thread, if any.
func (c *Cond) Signal(ctx context.Context) error {
	c.guard.Lock()
	if len(c.waiters) == 0 {
		c.guard.Unlock()
		return nil
	}
	waiter := c.waiters[0]
	c.waiters = c.waiters[1:]
	waiter.signaled = true
	c.guard.Unlock()
	return c.parker.Unpark(ctx, waiter.id)
}

// Broadcast wakes every waiting thread.
func (c *Cond) Broadcast(ctx context.Context) error {
	c.guard.Lock()
	woken := c.waiters
	c.waiters = nil
	for _, waiter := range woken {
		waiter.signaled = true
	}
	c.guard.Unlock()
	var first error
	for _, waiter := range woken {
		if err := c.parker.Unpark(ctx, waiter.id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Waiters returns the number of threads blocked in Wait.
func (c *Cond) Waiters() int {
	c.guard.Lock()
	defer c.guard.Unlock()
	return len(c.waiters)
}

func (c *Cond) wait(ctx context.Context, m *Mutex, deadline time.Time) (bool, error) {
	id, err := self(ctx)
	if err != nil {
		return false, err
	}
	if !m.ownedBy(id) {
		return false, ErrNotOwner
	}
	waiter := &condWaiter{id: id}
	c.guard.Lock()
	c.waiters = append(c.waiters, waiter)
	c.guard.Unlock()

	if err := m.Unlock(ctx); err != nil {
		c.forget(waiter)
		return false, err
	}
	timedOut, waitErr := c.block(ctx, waiter, deadline)
	if err := m.Lock(context.WithoutCancel(ctx)); err != nil {
		return timedOut, err
	}
	return timedOut, waitErr
}

// block parks until waiter is signaled, the deadline passes on the
// enclave clock, or ctx ends.
func (c *Cond) block(ctx context.Context, waiter *condWaiter, deadline time.Time) (bool, error) {
	for {
		c.guard.Lock()
		signaled := waiter.signaled
		c.guard.Unlock()
		if signaled {
			return false, nil
		}

		var timeout time.Duration
		if !deadline.IsZero() {
			timeout = deadline.Sub(c.clock.Now())
			if timeout <= 0 {
				if c.forget(waiter) {
					return false, nil
				}
				return true, nil
			}
		}
		// The host's timed-out claim is not evidence; only the enclave
		// clock decides.
		if _, err := c.parker.Park(ctx, timeout); err != nil {
			if c.forget(waiter) {
				return false, nil
			}
			return false, err
		}
	}
}

// forget removes waiter from the queue unless it was already signaled,
// and reports whether it was.
func (c *Cond) forget(waiter *condWaiter) bool {
	c.guard.Lock()
	defer c.guard.Unlock()
	if waiter.signaled {
		return true
	}
	if i := slices.Index(c.waiters, waiter); i >= 0 {
		c.waiters = slices.Delete(c.waiters, i, i+1)
	}
	return false
}
