// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package enclavetest

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/clock"
	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/heap"
	"github.com/bureau-foundation/enclave/lib/host"
	"github.com/bureau-foundation/enclave/lib/region"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Options adjusts a Rig. The zero value enables every feature with
// small arenas.
type Options struct {
	// Features defaults to boundary.AllFeatures.
	Features boundary.Feature

	// HeapSize and SharedSize are the enclave heap and shared arena
	// sizes. Default 4 MiB and 2 MiB.
	HeapSize   int
	SharedSize int

	// MaxThreads caps host threads. Defaults to 16.
	MaxThreads int

	// RealClock gives the host a real clock instead of a fake one.
	// Tests that park with timeouts they do not drive themselves
	// need it.
	RealClock bool

	// Wrap interposes on the host. It receives the dispatcher and
	// the untrusted space.
	Wrap func(next boundary.Host, space *region.Space) boundary.Host

	// Stdin, Stdout and Stderr back the host's stdio handles.
	// Default to the process's own.
	Stdin, Stdout, Stderr *os.File

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Rig is an assembled set of runtime layers.
type Rig struct {
	Region     *region.Region
	Space      *region.Space
	Shared     *heap.Allocator
	Heap       *heap.Allocator
	Gateway    *boundary.Gateway
	Host       *host.Dispatcher
	Faults     *fault.Handler
	Clock      clock.Clock
	FakeClock  *clock.FakeClock
	StorageDir string
	Logger     *slog.Logger

	exitMu sync.Mutex
	exits  []int
}

// New builds a Rig and registers cleanup with t.
func New(t testing.TB, options Options) *Rig {
	t.Helper()
	if options.Features == 0 {
		options.Features = boundary.AllFeatures
	}
	if options.HeapSize == 0 {
		options.HeapSize = 4 << 20
	}
	if options.SharedSize == 0 {
		options.SharedSize = 2 << 20
	}
	if options.MaxThreads == 0 {
		options.MaxThreads = 16
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rig := &Rig{Logger: options.Logger}

	var err error
	rig.Region, err = region.Reserve(options.HeapSize, region.Options{})
	if err != nil {
		t.Fatalf("reserving enclave region: %v", err)
	}
	t.Cleanup(func() { rig.Region.Release() })
	rig.Space = region.NewSpace(rig.Region)
	t.Cleanup(func() { rig.Space.Close() })

	arena, err := rig.Space.MapPinned(options.SharedSize)
	if err != nil {
		t.Fatalf("mapping shared arena: %v", err)
	}
	if rig.Shared, err = heap.NewShared(arena); err != nil {
		t.Fatalf("creating shared allocator: %v", err)
	}
	if rig.Heap, err = heap.NewEnclave(rig.Region); err != nil {
		t.Fatalf("creating enclave heap: %v", err)
	}

	rig.FakeClock = clock.Fake(Epoch)
	rig.Clock = rig.FakeClock
	var hostClock clock.Clock = rig.FakeClock
	if options.RealClock {
		hostClock = clock.Real()
	}

	rig.StorageDir = filepath.Join(t.TempDir(), "storage")
	rig.Host, err = host.New(host.Config{
		Space:      rig.Space,
		StorageDir: rig.StorageDir,
		MaxThreads: options.MaxThreads,
		Stdin:      options.Stdin,
		Stdout:     options.Stdout,
		Stderr:     options.Stderr,
		Clock:      hostClock,
		Logger:     options.Logger,
	})
	if err != nil {
		t.Fatalf("creating host: %v", err)
	}
	t.Cleanup(func() {
		rig.Host.Close()
		rig.Host.Wait()
	})

	rig.Faults = fault.NewHandler(fault.HandlerConfig{
		Logger: options.Logger,
		Exit:   rig.recordExit,
	})

	var next boundary.Host = rig.Host
	if options.Wrap != nil {
		next = options.Wrap(next, rig.Space)
	}
	rig.Gateway, err = boundary.New(boundary.Config{
		Host:     next,
		Enclave:  rig.Region,
		Space:    rig.Space,
		Shared:   rig.Shared,
		Heap:     rig.Heap,
		Features: options.Features,
		Faults:   rig.Faults,
		Logger:   options.Logger,
	})
	if err != nil {
		t.Fatalf("creating gateway: %v", err)
	}
	rig.Faults.SetReporter(rig.Gateway)
	return rig
}

func (r *Rig) recordExit(code int) {
	r.exitMu.Lock()
	defer r.exitMu.Unlock()
	r.exits = append(r.exits, code)
}

// ExitCodes returns the exit codes the fault handler requested.
func (r *Rig) ExitCodes() []int {
	r.exitMu.Lock()
	defer r.exitMu.Unlock()
	return append([]int(nil), r.exits...)
}

// RequireNoLeaks fails the test if transfer or staging memory is still
// allocated.
func (r *Rig) RequireNoLeaks(t testing.TB) {
	t.Helper()
	if live := r.Shared.Stats().LiveBlocks; live != 0 {
		t.Errorf("shared arena holds %d live blocks", live)
	}
}
