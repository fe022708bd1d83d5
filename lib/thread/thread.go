// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package thread

import (
	"context"
	"fmt"
	"sync/atomic"
)

// State is a thread's lifecycle state.
type State uint8

const (
	// Pending: spawned, not yet entered by a host thread.
	Pending State = iota
	// Running: bound to a host thread and executing.
	Running
	// Finished: the thread function returned (or panicked) and the
	// thread has not been joined.
	Finished
	// Joined: a Join collected the result.
	Joined
	// Detached: no Join will collect the result; the table entry is
	// dropped when the thread finishes.
	Detached
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Joined:
		return "joined"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MainID is the id of the thread bound by BindMain.
const MainID uint64 = 1

// Func is a thread body. ctx carries the new thread.
type Func func(ctx context.Context)

// Handle is an enclave thread.
type Handle struct {
	id         uint64
	hostThread atomic.Int64
	manager    *Manager
	fn         Func

	// Guarded by manager.lock.
	state    State
	detached bool
	joining  bool
	err      error

	done chan struct{}

	// slots is touched only by the thread itself.
	slots map[int]any
}

// ID returns the thread's logical id.
func (h *Handle) ID() uint64 { return h.id }

// HostThread returns the host thread id the thread is bound to, or 0
// while pending. The value is the host's claim.
func (h *Handle) HostThread() int64 { return h.hostThread.Load() }

// State returns the thread's current state.
func (h *Handle) State() State {
	h.manager.lock.Lock()
	defer h.manager.lock.Unlock()
	if h.detached {
		return Detached
	}
	return h.state
}

// Done is closed when the thread function has returned and TLS
// destructors have run.
func (h *Handle) Done() <-chan struct{} { return h.done }

type contextKey struct{}

// Current returns the enclave thread bound to ctx, or nil.
func Current(ctx context.Context) *Handle {
	handle, _ := ctx.Value(contextKey{}).(*Handle)
	return handle
}

func withHandle(ctx context.Context, handle *Handle) context.Context {
	return context.WithValue(ctx, contextKey{}, handle)
}
