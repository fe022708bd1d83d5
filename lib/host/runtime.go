// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/region"
)

// maxMapSize bounds a single memory mapping request.
const maxMapSize = 1 << 30

func (d *Dispatcher) memMap(_ context.Context, in []byte, limit int) (int64, []byte, error) {
	args, err := decode[boundary.MemMapArgs](in)
	if err != nil {
		return 0, nil, err
	}
	if args.Size == 0 || args.Size > maxMapSize {
		return 0, nil, syscall.ENOMEM
	}
	mapping, err := d.space.Map(int(args.Size))
	if err != nil {
		return 0, nil, err
	}
	span := mapping.Span()
	out, err := encode(boundary.MemMapResult{Addr: span.Addr, Len: span.Len}, limit)
	if err != nil {
		d.space.Unmap(span.Addr)
		return 0, nil, err
	}
	return 0, out, nil
}

func (d *Dispatcher) memUnmap(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.MemUnmapArgs](in)
	if err != nil {
		return 0, nil, err
	}
	if err := d.space.Unmap(args.Addr); err != nil {
		if errors.Is(err, region.ErrNotMapped) {
			return 0, nil, syscall.EINVAL
		}
		return 0, nil, err
	}
	return 0, nil, nil
}

// threadSpawn starts an OS-locked goroutine that enters the enclave.
// The reply carries the kernel thread id once the thread is running.
func (d *Dispatcher) threadSpawn(ctx context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.ThreadArgs](in)
	if err != nil {
		return 0, nil, err
	}
	entry := d.entry.Load()
	if entry == nil {
		return 0, nil, syscall.ENOSYS
	}
	if !d.threads.TryAcquire(1) {
		return 0, nil, syscall.EAGAIN
	}

	started := make(chan int64, 1)
	d.running.Add(1)
	go func() {
		defer d.running.Done()
		defer d.threads.Release(1)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer d.dropEvent(args.Thread)

		hostThread := int64(unix.Gettid())
		started <- hostThread
		(*entry)(d.lifetime, args.Thread, hostThread)
	}()

	select {
	case hostThread := <-started:
		return hostThread, nil, nil
	case <-ctx.Done():
		// The thread still enters; the enclave sees a failed spawn and
		// Enter rejects the id once it is no longer pending.
		return 0, nil, ctx.Err()
	}
}

// event returns thread's wake event. The channel holds at most one
// pending wake, so an unpark before the park is remembered.
func (d *Dispatcher) event(thread uint64) chan struct{} {
	d.eventsMu.Lock()
	defer d.eventsMu.Unlock()
	event, ok := d.events[thread]
	if !ok {
		event = make(chan struct{}, 1)
		d.events[thread] = event
	}
	return event
}

func (d *Dispatcher) setParked(thread uint64, delta int) {
	d.eventsMu.Lock()
	defer d.eventsMu.Unlock()
	d.parkers[thread] += delta
	if d.parkers[thread] == 0 {
		delete(d.parkers, thread)
	}
}

// parked reports whether a park for thread is blocked in the host.
func (d *Dispatcher) parked(thread uint64) bool {
	d.eventsMu.Lock()
	defer d.eventsMu.Unlock()
	return d.parkers[thread] > 0
}

func (d *Dispatcher) dropEvent(thread uint64) {
	d.eventsMu.Lock()
	defer d.eventsMu.Unlock()
	delete(d.events, thread)
}

// threadPark blocks until the thread is unparked (result 0) or the
// timeout elapses (result 1).
func (d *Dispatcher) threadPark(ctx context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.ParkArgs](in)
	if err != nil {
		return 0, nil, err
	}
	event := d.event(args.Thread)
	d.setParked(args.Thread, 1)
	defer d.setParked(args.Thread, -1)
	var timeout <-chan time.Time
	if args.TimeoutNanos > 0 {
		timeout = d.clock.After(time.Duration(args.TimeoutNanos))
	}
	select {
	case <-event:
		return 0, nil, nil
	case <-timeout:
		return 1, nil, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-d.lifetime.Done():
		return 0, nil, syscall.ECANCELED
	}
}

func (d *Dispatcher) threadUnpark(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.ThreadArgs](in)
	if err != nil {
		return 0, nil, err
	}
	select {
	case d.event(args.Thread) <- struct{}{}:
	default:
		// A wake is already pending.
	}
	return 0, nil, nil
}

func (d *Dispatcher) timeNow(context.Context, []byte, int) (int64, []byte, error) {
	return d.clock.Now().UnixNano(), nil, nil
}

func (d *Dispatcher) abortReport(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.AbortArgs](in)
	if err != nil {
		return 0, nil, err
	}
	d.logger.Error("enclave aborted",
		"kind", args.Kind,
		"sealed_bytes", len(args.Sealed),
	)
	d.abortsMu.Lock()
	d.aborts = append(d.aborts, args)
	d.abortsMu.Unlock()
	if d.onAbort != nil {
		d.onAbort(args)
	}
	return 0, nil, nil
}
