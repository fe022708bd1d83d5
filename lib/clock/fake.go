// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock reading initial. Time moves only through
// Advance and Set.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.registered = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a deterministic Clock for tests. It doubles as a
// TimeSource via [FakeClock.Source], so a test can play a host whose
// wall clock jumps backwards.
//
// Safe for concurrent use.
type FakeClock struct {
	mu         sync.Mutex
	current    time.Time
	registered *sync.Cond

	// waiters is kept sorted by deadline; equal deadlines keep
	// registration order.
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// After returns a channel that receives once the clock reaches now+d.
// A non-positive d is ready at once and registers nothing.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	deadline := c.current.Add(d)
	index, _ := slices.BinarySearchFunc(c.waiters, deadline, func(w fakeWaiter, target time.Time) int {
		if w.deadline.After(target) {
			return 1
		}
		return -1
	})
	c.waiters = slices.Insert(c.waiters, index, fakeWaiter{deadline: deadline, channel: channel})
	c.registered.Broadcast()
	return channel
}

func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires, in deadline order,
// every waiter the new time reaches.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.set(c.current.Add(d))
}

// Set moves the clock to t. Moving backwards fires nothing and leaves
// pending waiters where they are.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.set(t)
}

// set releases c.mu.
func (c *FakeClock) set(t time.Time) {
	c.current = t
	due := 0
	for due < len(c.waiters) && !c.waiters[due].deadline.After(t) {
		due++
	}
	expired := slices.Clone(c.waiters[:due])
	c.waiters = slices.Delete(c.waiters, 0, due)
	c.mu.Unlock()

	for _, waiter := range expired {
		waiter.channel <- t
	}
}

// WaitForTimers blocks until at least n waiters are pending. Call it
// before Advance so a goroutine's timeout is registered before time
// moves:
//
//	go func() { timedOut, err = manager.Park(ctx, time.Second) }()
//	fakeClock.WaitForTimers(1)
//	fakeClock.Advance(time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of waiters that have not fired.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Source returns a TimeSource reporting this clock's current reading.
func (c *FakeClock) Source() TimeSource { return fakeSource{c} }

type fakeSource struct{ clock *FakeClock }

func (s fakeSource) Now(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return s.clock.Now(), nil
}
