// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/spinlock"
)

var (
	// ErrAlreadyJoined is returned by Join and Detach for a thread
	// that has been (or is being) joined.
	ErrAlreadyJoined = errors.New("thread already joined")

	// ErrDetached is returned by Join and Detach for a detached
	// thread.
	ErrDetached = errors.New("thread is detached")

	// ErrJoinSelf is returned when a thread joins itself.
	ErrJoinSelf = errors.New("thread cannot join itself")

	// ErrNoThread is returned when ctx carries no enclave thread.
	ErrNoThread = errors.New("context carries no enclave thread")

	// ErrMainBound is returned by a second BindMain.
	ErrMainBound = errors.New("main thread already bound")

	// Entry rejections: the host asked to run something it was never
	// asked to start, or reused a host thread.
	ErrUnknownThread   = errors.New("unknown thread")
	ErrNotPending      = errors.New("thread is not pending")
	ErrHostThreadBound = errors.New("host thread already bound to an enclave thread")
)

// Gateway is the subset of boundary.Gateway the manager crosses
// through.
type Gateway interface {
	SpawnThread(ctx context.Context, id uint64) (int64, error)
	Park(ctx context.Context, id uint64, timeout time.Duration) (bool, error)
	Unpark(ctx context.Context, id uint64) error
}

// Config configures a Manager.
type Config struct {
	Gateway Gateway

	// Faults runs thread functions under panic recovery. Required.
	Faults *fault.Handler

	// MaxThreads bounds the thread table, main thread included.
	// Defaults to 64.
	MaxThreads int

	// MaxKeys bounds TLS keys. Defaults to 128.
	MaxKeys int

	Logger *slog.Logger
}

// Manager owns the thread table.
type Manager struct {
	gateway    Gateway
	faults     *fault.Handler
	logger     *slog.Logger
	maxThreads int
	maxKeys    int

	lock    spinlock.Lock
	threads map[uint64]*Handle
	hosts   map[int64]uint64
	nextID  uint64
	main    *Handle

	keysLock spinlock.Lock
	keys     []*Key
}

// NewManager creates a manager.
func NewManager(config Config) (*Manager, error) {
	if config.Gateway == nil || config.Faults == nil {
		return nil, fmt.Errorf("thread manager: gateway and fault handler are required")
	}
	if config.MaxThreads <= 0 {
		config.MaxThreads = 64
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = 128
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		gateway:    config.Gateway,
		faults:     config.Faults,
		logger:     config.Logger,
		maxThreads: config.MaxThreads,
		maxKeys:    config.MaxKeys,
		threads:    make(map[uint64]*Handle),
		hosts:      make(map[int64]uint64),
		nextID:     MainID,
	}, nil
}

// Live returns the number of threads in the table.
func (m *Manager) Live() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.threads)
}

// Spawn creates a thread running fn. The thread is pending until the
// host enters it; the host may start it before Spawn returns.
func (m *Manager) Spawn(ctx context.Context, fn Func) (*Handle, error) {
	m.lock.Lock()
	if len(m.threads) >= m.maxThreads {
		m.lock.Unlock()
		return nil, fmt.Errorf("spawning thread: table holds %d threads: %w", m.maxThreads, fault.ErrResourceExhausted)
	}
	m.nextID++
	handle := &Handle{
		id:      m.nextID,
		manager: m,
		fn:      fn,
		state:   Pending,
		done:    make(chan struct{}),
	}
	m.threads[handle.id] = handle
	m.lock.Unlock()

	if _, err := m.gateway.SpawnThread(ctx, handle.id); err != nil {
		m.lock.Lock()
		if handle.state == Pending {
			// Never entered: forget it so a late Enter is refused.
			delete(m.threads, handle.id)
		} else {
			// The host entered it while claiming failure. Nobody
			// holds the handle, so nobody will join it.
			handle.detached = true
		}
		m.lock.Unlock()
		return nil, fmt.Errorf("spawning thread %d: %w", handle.id, err)
	}
	return handle, nil
}

// Enter is the host's entry into the enclave for a spawned thread. It
// binds the pending thread id to hostThread, runs the thread function
// to completion, runs TLS destructors, and returns. A rejected entry
// returns an error without running anything.
func (m *Manager) Enter(ctx context.Context, id uint64, hostThread int64) error {
	m.lock.Lock()
	handle, err := m.bindLocked(id, hostThread)
	m.lock.Unlock()
	if err != nil {
		m.logger.Warn("rejected thread entry",
			"thread", id,
			"host_thread", hostThread,
			"reason", err.Error(),
		)
		return fmt.Errorf("entering thread %d: %w: %w", id, err, fault.ErrUntrustedResponse)
	}

	ctx = withHandle(ctx, handle)
	runErr := m.faults.Run(func() { handle.fn(ctx) })
	if err := m.runDestructors(handle); runErr == nil {
		runErr = err
	}
	m.finish(handle, hostThread, runErr)
	return nil
}

func (m *Manager) bindLocked(id uint64, hostThread int64) (*Handle, error) {
	handle, ok := m.threads[id]
	switch {
	case !ok:
		return nil, ErrUnknownThread
	case handle.state != Pending:
		return nil, ErrNotPending
	case hostThread <= 0:
		return nil, fmt.Errorf("host thread id %d", hostThread)
	}
	if _, bound := m.hosts[hostThread]; bound {
		return nil, ErrHostThreadBound
	}
	handle.state = Running
	handle.hostThread.Store(hostThread)
	m.hosts[hostThread] = id
	return handle, nil
}

func (m *Manager) finish(handle *Handle, hostThread int64, err error) {
	m.lock.Lock()
	delete(m.hosts, hostThread)
	handle.err = err
	handle.state = Finished
	detached := handle.detached
	if detached {
		delete(m.threads, handle.id)
	}
	m.lock.Unlock()
	close(handle.done)

	if detached && err != nil {
		m.logger.Warn("detached thread ended with error",
			"thread", handle.id,
			"error", err,
		)
	}
}

// Join waits for h to finish and returns its result: nil, or a
// *fault.PanicError when the thread function panicked. A joined
// thread leaves the table.
func (m *Manager) Join(ctx context.Context, h *Handle) error {
	if Current(ctx) == h {
		return ErrJoinSelf
	}
	m.lock.Lock()
	switch {
	case h.detached:
		m.lock.Unlock()
		return ErrDetached
	case h.state == Joined || h.joining:
		m.lock.Unlock()
		return ErrAlreadyJoined
	}
	h.joining = true
	m.lock.Unlock()

	select {
	case <-h.done:
	case <-ctx.Done():
		m.lock.Lock()
		h.joining = false
		m.lock.Unlock()
		return ctx.Err()
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	h.joining = false
	h.state = Joined
	delete(m.threads, h.id)
	return h.err
}

// Detach gives up the right to join h. Its table entry is dropped
// when it finishes (immediately if it already has).
func (m *Manager) Detach(h *Handle) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	switch {
	case h.detached:
		return ErrDetached
	case h.state == Joined || h.joining:
		return ErrAlreadyJoined
	}
	h.detached = true
	if h.state == Finished {
		delete(m.threads, h.id)
	}
	return nil
}

// BindMain binds the calling goroutine's OS thread as the main enclave
// thread and returns a context carrying it. The goroutine stays locked
// to its OS thread until ExitMain.
func (m *Manager) BindMain(ctx context.Context) (context.Context, error) {
	runtime.LockOSThread()
	hostThread := int64(unix.Gettid())

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.main != nil {
		runtime.UnlockOSThread()
		return nil, ErrMainBound
	}
	if _, bound := m.hosts[hostThread]; bound {
		runtime.UnlockOSThread()
		return nil, ErrHostThreadBound
	}
	if len(m.threads) >= m.maxThreads {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("binding main thread: %w", fault.ErrResourceExhausted)
	}
	handle := &Handle{
		id:      MainID,
		manager: m,
		state:   Running,
		done:    make(chan struct{}),
	}
	handle.hostThread.Store(hostThread)
	m.threads[MainID] = handle
	m.hosts[hostThread] = MainID
	m.main = handle
	return withHandle(ctx, handle), nil
}

// ExitMain runs the main thread's TLS destructors and unbinds it. It
// must be called on the goroutine that called BindMain.
func (m *Manager) ExitMain(ctx context.Context) error {
	handle := Current(ctx)
	if handle == nil || handle != m.main {
		return fmt.Errorf("exiting main thread: %w", ErrNoThread)
	}
	err := m.runDestructors(handle)
	m.lock.Lock()
	handle.detached = true
	m.lock.Unlock()
	m.finish(handle, handle.hostThread.Load(), err)
	runtime.UnlockOSThread()
	return err
}

// Park suspends the calling thread until it is unparked or timeout
// elapses (zero waits indefinitely). Wake-ups are hints: the host can
// wake a thread early or never, and the returned timedOut is its
// claim. Callers re-check their own condition.
func (m *Manager) Park(ctx context.Context, timeout time.Duration) (timedOut bool, err error) {
	handle := Current(ctx)
	if handle == nil {
		return false, ErrNoThread
	}
	return m.gateway.Park(ctx, handle.id, timeout)
}

// Unpark wakes thread id. A wake for a thread that is not parked is
// remembered by the host until its next park.
func (m *Manager) Unpark(ctx context.Context, id uint64) error {
	return m.gateway.Unpark(ctx, id)
}
