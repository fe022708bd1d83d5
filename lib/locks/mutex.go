// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package locks

import (
	"context"

	"github.com/bureau-foundation/enclave/lib/spinlock"
)

// MutexState is a snapshot of a Mutex.
type MutexState uint8

const (
	Unlocked MutexState = iota
	Locked
	Contended
)

func (s MutexState) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Locked:
		return "locked"
	default:
		return "contended"
	}
}

// Mutex is a non-recursive mutual exclusion lock owned by an enclave
// thread.
type Mutex struct {
	parker Parker

	guard   spinlock.Lock
	owner   uint64
	waiters []uint64
}

// NewMutex creates an unlocked mutex.
func NewMutex(parker Parker) *Mutex {
	return &Mutex{parker: parker}
}

// Lock acquires the mutex, parking while another thread holds it. A
// cancelled ctx abandons the wait.
func (m *Mutex) Lock(ctx context.Context) error {
	id, err := self(ctx)
	if err != nil {
		return err
	}
	m.guard.Lock()
	if m.owner == 0 {
		m.owner = id
		m.guard.Unlock()
		return nil
	}
	if m.owner == id {
		m.guard.Unlock()
		return ErrDeadlock
	}
	m.waiters = append(m.waiters, id)
	for {
		m.guard.Unlock()
		_, parkErr := m.parker.Park(ctx, 0)
		m.guard.Lock()
		if m.owner == 0 {
			m.owner = id
			m.waiters = removeWaiter(m.waiters, id)
			m.guard.Unlock()
			return nil
		}
		if parkErr != nil {
			m.waiters = removeWaiter(m.waiters, id)
			m.guard.Unlock()
			return parkErr
		}
	}
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock(ctx context.Context) error {
	id, err := self(ctx)
	if err != nil {
		return err
	}
	m.guard.Lock()
	defer m.guard.Unlock()
	if m.owner != 0 {
		return ErrBusy
	}
	m.owner = id
	return nil
}

// Unlock releases the mutex and wakes the first waiter.
func (m *Mutex) Unlock(ctx context.Context) error {
	id, err := self(ctx)
	if err != nil {
		return err
	}
	m.guard.Lock()
	if m.owner != id {
		m.guard.Unlock()
		return ErrNotOwner
	}
	m.owner = 0
	var next uint64
	if len(m.waiters) > 0 {
		next = m.waiters[0]
	}
	m.guard.Unlock()
	if next != 0 {
		return m.parker.Unpark(ctx, next)
	}
	return nil
}

// State returns the mutex state.
func (m *Mutex) State() MutexState {
	m.guard.Lock()
	defer m.guard.Unlock()
	switch {
	case m.owner == 0:
		return Unlocked
	case len(m.waiters) == 0:
		return Locked
	default:
		return Contended
	}
}

// Owner returns the owning thread id, or 0.
func (m *Mutex) Owner() uint64 {
	m.guard.Lock()
	defer m.guard.Unlock()
	return m.owner
}

func (m *Mutex) ownedBy(id uint64) bool {
	m.guard.Lock()
	defer m.guard.Unlock()
	return m.owner == id
}
