// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package enclave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/enclave/lib/abortfile"
	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/clock"
	"github.com/bureau-foundation/enclave/lib/config"
	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/heap"
	"github.com/bureau-foundation/enclave/lib/host"
	"github.com/bureau-foundation/enclave/lib/locks"
	"github.com/bureau-foundation/enclave/lib/netshim"
	"github.com/bureau-foundation/enclave/lib/pfs"
	"github.com/bureau-foundation/enclave/lib/region"
	"github.com/bureau-foundation/enclave/lib/seal"
	"github.com/bureau-foundation/enclave/lib/secret"
	"github.com/bureau-foundation/enclave/lib/symtab"
	"github.com/bureau-foundation/enclave/lib/thread"
	"github.com/bureau-foundation/enclave/lib/ufs"
)

var (
	// ErrLoaded is returned by Load while another runtime is loaded.
	ErrLoaded = errors.New("enclave already loaded")

	// ErrClosed is returned by operations on a closed runtime.
	ErrClosed = errors.New("enclave closed")
)

// Host is the untrusted side: it serves crossings and starts spawned
// threads by calling back into the entry it is bound to.
type Host interface {
	boundary.Host
	Bind(entry host.Entry)
}

// HostFactory builds the host over the runtime's untrusted space.
type HostFactory func(space *region.Space) (Host, error)

// ReferenceHost returns a factory for the in-process reference host,
// storing protected files under cfg.Storage.Dir. Abort reports are
// persisted there too, at abortfile.Path(cfg.Storage.Dir).
func ReferenceHost(cfg *config.Config, logger *slog.Logger) HostFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(space *region.Space) (Host, error) {
		hostClock := clock.Real()
		reportPath := abortfile.Path(cfg.Storage.Dir)
		return host.New(host.Config{
			Space:      space,
			StorageDir: cfg.Storage.Dir,
			MaxThreads: cfg.Threads.Max,
			OnAbort: func(args boundary.AbortArgs) {
				executable, _ := os.Executable()
				state := abortfile.State{
					Kind:      fault.Kind(args.Kind),
					Sealed:    args.Sealed,
					Binary:    executable,
					Timestamp: hostClock.Now(),
				}
				if err := abortfile.Write(reportPath, state); err != nil {
					logger.Error("persisting abort report failed", "path", reportPath, "error", err)
				}
			},
			Clock:  hostClock,
			Logger: logger,
		})
	}
}

// Options adjusts a runtime beyond what the configuration file
// carries.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// MasterKey is the sealing master key (seal.KeySize bytes). It is
	// copied into enclave memory and the caller's slice is zeroed.
	// Nil reads the hex key at storage.key_file straight into enclave
	// memory; with no key file either, a random key is generated and
	// protected files are readable only by this load.
	MasterKey []byte

	// Symbols resolves backtraces when the backtrace feature is
	// enabled. Defaults to SymbolTable, then to the running binary's
	// own pclntab.
	Symbols symtab.Resolver

	// SymbolTable is an encoded symtab.Table shipped with the image,
	// for builds whose pclntab is stripped or redacted. Addresses
	// outside it stay unsymbolized.
	SymbolTable []byte

	// Clock is the enclave's own time source for lock timeouts.
	// Defaults to the real monotonic clock.
	Clock clock.Clock

	// Exit terminates the process after an abort. Defaults to
	// os.Exit.
	Exit func(code int)
}

// Runtime is a loaded enclave.
type Runtime struct {
	logger   *slog.Logger
	features boundary.Feature
	clock    clock.Clock

	region    *region.Region
	space     *region.Space
	shared    *heap.Allocator
	heap      *heap.Allocator
	host      Host
	gateway   *boundary.Gateway
	faults    *fault.Handler
	threads   *thread.Manager
	master    *seal.Master
	fs        *pfs.FS
	net       *netshim.Net
	hostClock *clock.Host

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds a runtime from cfg. Nothing is installed process-wide;
// see [Load].
func New(cfg *config.Config, factory HostFactory, options Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if factory == nil {
		return nil, fmt.Errorf("enclave: host factory is required")
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	features, err := cfg.FeatureSet()
	if err != nil {
		return nil, err
	}
	recipients, err := cfg.Recipients()
	if err != nil {
		return nil, err
	}
	symbols := options.Symbols
	if symbols == nil && len(options.SymbolTable) > 0 {
		table, err := symtab.Decode(options.SymbolTable)
		if err != nil {
			return nil, fmt.Errorf("loading symbol table: %w", err)
		}
		symbols = table
	}

	r := &Runtime{
		logger:   options.Logger,
		features: features,
		clock:    options.Clock,
	}
	var undo []func()
	fail := func(err error) (*Runtime, error) {
		for index := len(undo) - 1; index >= 0; index-- {
			undo[index]()
		}
		if options.MasterKey != nil {
			secret.Zero(options.MasterKey)
		}
		return nil, err
	}

	r.region, err = region.Reserve(cfg.Memory.HeapSize.Int(), region.Options{RequireLock: cfg.Memory.RequireLock})
	if err != nil {
		return fail(fmt.Errorf("reserving enclave region: %w", err))
	}
	undo = append(undo, func() { r.region.Release() })

	r.space = region.NewSpace(r.region)
	undo = append(undo, func() { r.space.Close() })

	arena, err := r.space.MapPinned(cfg.Memory.SharedSize.Int())
	if err != nil {
		return fail(fmt.Errorf("mapping shared arena: %w", err))
	}
	if r.shared, err = heap.NewShared(arena); err != nil {
		return fail(fmt.Errorf("creating shared allocator: %w", err))
	}
	if r.heap, err = heap.NewEnclave(r.region); err != nil {
		return fail(fmt.Errorf("creating enclave heap: %w", err))
	}

	if !features.Has(boundary.FeatureBacktrace) {
		symbols = nil
	} else if symbols == nil {
		symbols = symtab.Runtime()
	}
	r.faults = fault.NewHandler(fault.HandlerConfig{
		Logger:     options.Logger,
		Symbols:    symbols,
		Recipients: recipients,
		Exit:       options.Exit,
	})

	if r.host, err = factory(r.space); err != nil {
		return fail(fmt.Errorf("creating host: %w", err))
	}
	undo = append(undo, func() { r.closeHost() })

	r.gateway, err = boundary.New(boundary.Config{
		Host:     r.host,
		Enclave:  r.region,
		Space:    r.space,
		Shared:   r.shared,
		Heap:     r.heap,
		Features: features,
		Faults:   r.faults,
		Logger:   options.Logger,
	})
	if err != nil {
		return fail(fmt.Errorf("creating gateway: %w", err))
	}
	r.faults.SetReporter(r.gateway)

	r.threads, err = thread.NewManager(thread.Config{
		Gateway:    r.gateway,
		Faults:     r.faults,
		MaxThreads: cfg.Threads.Max,
		MaxKeys:    cfg.Threads.MaxKeys,
		Logger:     options.Logger,
	})
	if err != nil {
		return fail(err)
	}
	r.host.Bind(r.enter)

	var key *secret.Buffer
	switch {
	case options.MasterKey != nil:
		key, err = secret.NewFromBytes(r.heap, options.MasterKey)
		secret.Zero(options.MasterKey)
	case cfg.Storage.KeyFile != "":
		key, err = secret.ReadFromPath(r.heap, cfg.Storage.KeyFile)
	default:
		key, err = secret.NewRandom(r.heap, seal.KeySize)
	}
	if err != nil {
		return fail(fmt.Errorf("loading master key: %w", err))
	}
	if r.master, err = seal.NewMaster(r.heap, key); err != nil {
		key.Close()
		return fail(err)
	}
	undo = append(undo, func() { r.master.Close() })

	cacheBlocks := cfg.Storage.CacheBlocks
	if cacheBlocks == 0 {
		cacheBlocks = -1
	}
	r.fs, err = pfs.New(pfs.Config{
		Store:       r.gateway,
		Master:      r.master,
		Parker:      r.threads,
		BlockSize:   cfg.Storage.BlockSize,
		MaxDirty:    cfg.Storage.MaxDirty,
		CacheBlocks: cacheBlocks,
		Logger:      options.Logger,
	})
	if err != nil {
		return fail(err)
	}

	if features&(boundary.FeatureNet|boundary.FeaturePipe|boundary.FeatureStdio) != 0 {
		r.net = netshim.New(r.gateway, options.Logger)
	}
	if features.Has(boundary.FeatureUntrustedTime) {
		r.hostClock = clock.NewHost(r.gateway)
	}

	options.Logger.Info("enclave loaded",
		"heap_size", r.region.Len(),
		"shared_size", cfg.Memory.SharedSize.Int(),
		"locked", r.region.Locked(),
		"features", features.String(),
		"max_threads", cfg.Threads.Max,
	)
	return r, nil
}

// enter is the host's entry point for spawned threads.
func (r *Runtime) enter(ctx context.Context, id uint64, hostThread int64) {
	if err := r.threads.Enter(ctx, id, hostThread); err != nil {
		r.logger.Warn("rejected host thread entry",
			"thread", id,
			"host_thread", hostThread,
			"error", err,
		)
	}
}

// Features returns the enabled feature set.
func (r *Runtime) Features() boundary.Feature { return r.features }

// Region returns the enclave memory region.
func (r *Runtime) Region() *region.Region { return r.region }

// Heap returns the enclave heap.
func (r *Runtime) Heap() *heap.Allocator { return r.heap }

// Gateway returns the boundary gateway.
func (r *Runtime) Gateway() *boundary.Gateway { return r.gateway }

// Faults returns the fault handler.
func (r *Runtime) Faults() *fault.Handler { return r.faults }

// Threads returns the thread manager.
func (r *Runtime) Threads() *thread.Manager { return r.threads }

// FS returns the protected file system.
func (r *Runtime) FS() *pfs.FS { return r.fs }

// Net returns the host-channel shims, or nil when net, pipe, and stdio
// are all disabled.
func (r *Runtime) Net() *netshim.Net { return r.net }

// Main binds the calling goroutine as the main enclave thread and
// returns a context carrying it. Pair with [Runtime.ExitMain] on the
// same goroutine.
func (r *Runtime) Main(ctx context.Context) (context.Context, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.threads.BindMain(ctx)
}

// ExitMain unbinds the main thread bound by Main.
func (r *Runtime) ExitMain(ctx context.Context) error {
	return r.threads.ExitMain(ctx)
}

// Run binds the main thread, calls fn under panic recovery, and
// unbinds. A panic in fn is returned as a [*fault.PanicError].
func (r *Runtime) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	mainCtx, err := r.Main(ctx)
	if err != nil {
		return fmt.Errorf("binding main thread: %w", err)
	}
	var result error
	if panicErr := r.faults.Run(func() { result = fn(mainCtx) }); panicErr != nil {
		result = panicErr
	}
	if err := r.ExitMain(mainCtx); err != nil {
		return errors.Join(result, fmt.Errorf("exiting main thread: %w", err))
	}
	return result
}

// Spawn starts fn on a new enclave thread.
func (r *Runtime) Spawn(ctx context.Context, fn thread.Func) (*thread.Handle, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.threads.Spawn(ctx, fn)
}

// Join waits for h and returns its panic, if any.
func (r *Runtime) Join(ctx context.Context, h *thread.Handle) error {
	return r.threads.Join(ctx, h)
}

// NewMutex creates a mutex whose waiters park through the host.
func (r *Runtime) NewMutex() *locks.Mutex { return locks.NewMutex(r.threads) }

// NewCond creates a condition variable whose timeouts run on the
// enclave clock.
func (r *Runtime) NewCond() *locks.Cond { return locks.NewCond(r.threads, r.clock) }

// NewRWLock creates a reader-writer lock.
func (r *Runtime) NewRWLock() *locks.RWLock { return locks.NewRWLock(r.threads) }

// OpenFile opens a protected file.
func (r *Runtime) OpenFile(ctx context.Context, name string, flag int) (*pfs.File, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.fs.Open(ctx, name, flag)
}

// OpenUntrusted opens a plain host file. Its contents are whatever the
// host says they are.
func (r *Runtime) OpenUntrusted(ctx context.Context, path string, flags int, mode uint32) (*ufs.File, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return ufs.Open(ctx, r.gateway, path, flags, mode)
}

// HostTime returns the host's wall clock reading. It is monotone
// across calls but otherwise the host's claim.
func (r *Runtime) HostTime(ctx context.Context) (time.Time, error) {
	if r.hostClock == nil {
		return time.Time{}, fmt.Errorf("host time: %w", boundary.ErrFeatureDisabled)
	}
	return r.hostClock.Now(ctx)
}

// Close releases the runtime: the master key is zeroed, the host is
// shut down and its threads awaited, and enclave memory is zeroed and
// unmapped. Protected files still open are not flushed. Idempotent.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if open := r.fs.OpenFiles(); open > 0 {
			r.logger.Warn("closing enclave with open protected files", "files", open)
		}
		var errs []error
		if err := r.master.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing master key: %w", err))
		}
		if err := r.closeHost(); err != nil {
			errs = append(errs, fmt.Errorf("closing host: %w", err))
		}
		current.CompareAndSwap(r, nil)
		fault.Uninstall(r.faults)
		if err := r.space.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unmapping untrusted space: %w", err))
		}
		if err := r.region.Release(); err != nil {
			errs = append(errs, fmt.Errorf("releasing enclave region: %w", err))
		}
		r.closeErr = errors.Join(errs...)
		r.logger.Info("enclave closed")
	})
	return r.closeErr
}

func (r *Runtime) closeHost() error {
	var err error
	if closer, ok := r.host.(io.Closer); ok {
		err = closer.Close()
	}
	if waiter, ok := r.host.(interface{ Wait() }); ok {
		waiter.Wait()
	}
	return err
}

var (
	loadMu  sync.Mutex
	current atomic.Pointer[Runtime]
)

// Load builds the process's runtime and installs its fault handler.
// It fails with ErrLoaded while a previous runtime is open.
func Load(cfg *config.Config, factory HostFactory, options Options) (*Runtime, error) {
	loadMu.Lock()
	defer loadMu.Unlock()
	if current.Load() != nil {
		return nil, ErrLoaded
	}
	r, err := New(cfg, factory, options)
	if err != nil {
		return nil, err
	}
	if err := fault.Install(r.faults); err != nil {
		r.Close()
		return nil, fmt.Errorf("installing fault handler: %w", err)
	}
	current.Store(r)
	return r, nil
}

// Current returns the loaded runtime, or nil.
func Current() *Runtime {
	return current.Load()
}
