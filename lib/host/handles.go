// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/bureau-foundation/enclave/lib/boundary"
)

// blockFile is a protected-storage backing file. It is a distinct type
// so that block opcodes cannot operate on stdio or socket handles.
type blockFile struct {
	*os.File
}

// stdioFile is one of the process's standard streams. Closing its
// handle drops it from the table without closing the stream.
type stdioFile struct {
	*os.File
}

// handleTable maps host handles to open objects: blockFile, *os.File,
// stdioFile, net.Conn, or net.Listener.
type handleTable struct {
	mu      sync.Mutex
	next    boundary.Handle
	entries map[boundary.Handle]any
}

func newHandleTable() *handleTable {
	return &handleTable{next: 3, entries: make(map[boundary.Handle]any)}
}

func (t *handleTable) add(value any) (boundary.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next > boundary.MaxHandle {
		return 0, syscall.EMFILE
	}
	handle := t.next
	t.next++
	t.entries[handle] = value
	return handle, nil
}

// set installs value at a fixed handle (stdio).
func (t *handleTable) set(handle boundary.Handle, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[handle] = value
}

func (t *handleTable) get(handle boundary.Handle) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.entries[handle]
	return value, ok
}

func (t *handleTable) remove(handle boundary.Handle) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.entries[handle]
	delete(t.entries, handle)
	return value, ok
}

// drain removes and returns every entry.
func (t *handleTable) drain() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	values := make([]any, 0, len(t.entries))
	for handle, value := range t.entries {
		values = append(values, value)
		delete(t.entries, handle)
	}
	return values
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func lookup[T any](t *handleTable, handle boundary.Handle) (T, error) {
	var zero T
	value, ok := t.get(handle)
	if !ok {
		return zero, syscall.EBADF
	}
	typed, ok := value.(T)
	if !ok {
		return zero, syscall.EBADF
	}
	return typed, nil
}

// fileOf resolves a descriptor handle: stdio, a pipe end, or an
// untrusted file.
func fileOf(t *handleTable, handle boundary.Handle) (*os.File, error) {
	value, ok := t.get(handle)
	if !ok {
		return nil, syscall.EBADF
	}
	switch v := value.(type) {
	case *os.File:
		return v, nil
	case stdioFile:
		return v.File, nil
	default:
		return nil, syscall.EBADF
	}
}

func closeEntry(value any) error {
	switch v := value.(type) {
	case blockFile:
		return v.Close()
	case *os.File:
		return v.Close()
	case net.Conn:
		return v.Close()
	case net.Listener:
		return v.Close()
	default:
		return nil
	}
}
