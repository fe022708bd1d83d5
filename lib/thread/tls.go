// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package thread

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/enclave/lib/fault"
)

// destructorRounds bounds how often destructors are re-run for values
// that destructors themselves store.
const destructorRounds = 4

// Key is a thread-local storage key. Each thread sees its own value.
type Key struct {
	id         int
	manager    *Manager
	destructor func(value any)
}

// NewKey registers a TLS key. destructor, when non-nil, is called at
// thread exit with each non-nil value the exiting thread stored.
func (m *Manager) NewKey(destructor func(value any)) (*Key, error) {
	m.keysLock.Lock()
	defer m.keysLock.Unlock()
	if len(m.keys) >= m.maxKeys {
		return nil, fmt.Errorf("creating TLS key: %d keys registered: %w", m.maxKeys, fault.ErrResourceExhausted)
	}
	key := &Key{id: len(m.keys), manager: m, destructor: destructor}
	m.keys = append(m.keys, key)
	return key, nil
}

// Get returns the calling thread's value, or nil.
func (k *Key) Get(ctx context.Context) any {
	handle := Current(ctx)
	if handle == nil {
		return nil
	}
	return handle.slots[k.id]
}

// Set stores the calling thread's value. Storing nil clears the slot.
func (k *Key) Set(ctx context.Context, value any) error {
	handle := Current(ctx)
	if handle == nil {
		return ErrNoThread
	}
	if handle.manager != k.manager {
		return fmt.Errorf("TLS key belongs to another manager")
	}
	if value == nil {
		delete(handle.slots, k.id)
		return nil
	}
	if handle.slots == nil {
		handle.slots = make(map[int]any)
	}
	handle.slots[k.id] = value
	return nil
}

// runDestructors empties the thread's slots, handing each value to its
// key's destructor exactly once. A destructor panic is returned after
// the remaining destructors have run.
func (m *Manager) runDestructors(handle *Handle) error {
	var first error
	for round := 0; round < destructorRounds && len(handle.slots) > 0; round++ {
		slots := handle.slots
		handle.slots = nil
		for id, value := range slots {
			m.keysLock.Lock()
			key := m.keys[id]
			m.keysLock.Unlock()
			if key.destructor == nil {
				continue
			}
			err := m.faults.Run(func() { key.destructor(value) })
			if err != nil && first == nil {
				first = err
			}
		}
	}
	if len(handle.slots) > 0 {
		m.logger.Warn("TLS values remain after destructor rounds",
			"thread", handle.id,
			"slots", len(handle.slots),
		)
		handle.slots = nil
	}
	return first
}
