// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package locks

import (
	"context"
	"errors"

	"github.com/bureau-foundation/enclave/lib/spinlock"
)

// RWLock is a reader-writer lock. Any number of threads may hold it
// for reading while no thread holds it for writing.
//
// A writer releasing the lock wakes every queued reader, or the first
// queued writer when no readers wait. The last reader out wakes the
// first queued writer.
type RWLock struct {
	parker Parker

	guard   spinlock.Lock
	readers int
	owner   uint64
	rqueue  []uint64
	wqueue  []uint64
}

// NewRWLock creates an unlocked reader-writer lock.
func NewRWLock(parker Parker) *RWLock {
	return &RWLock{parker: parker}
}

// RLock acquires the lock for reading.
func (l *RWLock) RLock(ctx context.Context) error {
	id, err := self(ctx)
	if err != nil {
		return err
	}
	l.guard.Lock()
	if l.owner == 0 {
		l.readers++
		l.guard.Unlock()
		return nil
	}
	if l.owner == id {
		l.guard.Unlock()
		return ErrDeadlock
	}
	l.rqueue = append(l.rqueue, id)
	for {
		l.guard.Unlock()
		_, parkErr := l.parker.Park(ctx, 0)
		l.guard.Lock()
		if l.owner == 0 {
			l.readers++
			l.rqueue = removeWaiter(l.rqueue, id)
			l.guard.Unlock()
			return nil
		}
		if parkErr != nil {
			l.rqueue = removeWaiter(l.rqueue, id)
			l.guard.Unlock()
			return parkErr
		}
	}
}

// TryRLock acquires the lock for reading only if no writer holds it.
func (l *RWLock) TryRLock(ctx context.Context) error {
	if _, err := self(ctx); err != nil {
		return err
	}
	l.guard.Lock()
	defer l.guard.Unlock()
	if l.owner != 0 {
		return ErrBusy
	}
	l.readers++
	return nil
}

// Lock acquires the lock for writing.
func (l *RWLock) Lock(ctx context.Context) error {
	id, err := self(ctx)
	if err != nil {
		return err
	}
	l.guard.Lock()
	if l.owner == 0 && l.readers == 0 {
		l.owner = id
		l.guard.Unlock()
		return nil
	}
	if l.owner == id {
		l.guard.Unlock()
		return ErrDeadlock
	}
	l.wqueue = append(l.wqueue, id)
	for {
		l.guard.Unlock()
		_, parkErr := l.parker.Park(ctx, 0)
		l.guard.Lock()
		if l.owner == 0 && l.readers == 0 {
			l.owner = id
			l.wqueue = removeWaiter(l.wqueue, id)
			l.guard.Unlock()
			return nil
		}
		if parkErr != nil {
			l.wqueue = removeWaiter(l.wqueue, id)
			l.guard.Unlock()
			return parkErr
		}
	}
}

// TryLock acquires the lock for writing only if it is entirely free.
func (l *RWLock) TryLock(ctx context.Context) error {
	id, err := self(ctx)
	if err != nil {
		return err
	}
	l.guard.Lock()
	defer l.guard.Unlock()
	if l.owner != 0 || l.readers != 0 {
		return ErrBusy
	}
	l.owner = id
	return nil
}

// RUnlock releases one read hold.
func (l *RWLock) RUnlock(ctx context.Context) error {
	if _, err := self(ctx); err != nil {
		return err
	}
	l.guard.Lock()
	if l.readers == 0 {
		l.guard.Unlock()
		return ErrNotOwner
	}
	l.readers--
	var next uint64
	if l.readers == 0 && len(l.wqueue) > 0 {
		next = l.wqueue[0]
	}
	l.guard.Unlock()
	if next != 0 {
		return l.parker.Unpark(ctx, next)
	}
	return nil
}

// Unlock releases the write hold.
func (l *RWLock) Unlock(ctx context.Context) error {
	id, err := self(ctx)
	if err != nil {
		return err
	}
	l.guard.Lock()
	if l.owner != id {
		l.guard.Unlock()
		return ErrNotOwner
	}
	l.owner = 0
	var woken []uint64
	switch {
	case len(l.rqueue) > 0:
		woken = append(woken, l.rqueue...)
	case len(l.wqueue) > 0:
		woken = append(woken, l.wqueue[0])
	}
	l.guard.Unlock()
	var errs []error
	for _, next := range woken {
		if err := l.parker.Unpark(ctx, next); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release drops whichever hold the calling thread has: the write hold
// if it owns one, otherwise a read hold.
func (l *RWLock) Release(ctx context.Context) error {
	id, err := self(ctx)
	if err != nil {
		return err
	}
	l.guard.Lock()
	writer := l.owner == id
	l.guard.Unlock()
	if writer {
		return l.Unlock(ctx)
	}
	return l.RUnlock(ctx)
}

// Destroy verifies the lock is unused. It returns ErrBusy while any
// thread holds or waits for it.
func (l *RWLock) Destroy() error {
	l.guard.Lock()
	defer l.guard.Unlock()
	if l.owner != 0 || l.readers != 0 || len(l.rqueue) > 0 || len(l.wqueue) > 0 {
		return ErrBusy
	}
	return nil
}

// Readers returns the number of read holds.
func (l *RWLock) Readers() int {
	l.guard.Lock()
	defer l.guard.Unlock()
	return l.readers
}

// Writer returns the id of the thread holding the write lock, or 0.
func (l *RWLock) Writer() uint64 {
	l.guard.Lock()
	defer l.guard.Unlock()
	return l.owner
}

// Queued returns the number of queued readers and writers.
func (l *RWLock) Queued() (readers, writers int) {
	l.guard.Lock()
	defer l.guard.Unlock()
	return len(l.rqueue), len(l.wqueue)
}
