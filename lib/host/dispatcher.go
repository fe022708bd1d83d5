// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/clock"
	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/region"
)

// ErrClosed is returned by Call after Close.
var ErrClosed = errors.New("host dispatcher is closed")

// maxInput bounds the argument bytes the dispatcher will read for one
// frame. The largest argument is a MaxTransfer write plus its header.
const maxInput = boundary.MaxTransfer + 4096

// Entry is the enclave's thread entry point. The host calls it on a
// dedicated OS thread for every spawned enclave thread; it returns
// when the enclave thread finishes.
type Entry func(ctx context.Context, thread uint64, hostThread int64)

// Config holds the dispatcher's dependencies.
type Config struct {
	// Space is the untrusted address space shared with the enclave.
	// Required.
	Space *region.Space

	// StorageDir holds protected-file backing files. Required.
	StorageDir string

	// MaxThreads caps concurrently running spawned threads. Defaults
	// to 8.
	MaxThreads int

	// Stdin, Stdout, and Stderr back handles 0, 1, and 2. Default to
	// the process's standard streams.
	Stdin, Stdout, Stderr *os.File

	// OnAbort is called with each abort report the enclave delivers.
	OnAbort func(boundary.AbortArgs)

	Clock  clock.Clock
	Logger *slog.Logger
}

// handlerFunc performs one opcode. in is the frame's argument bytes
// (already copied out of the shared arena); limit is the size of the
// frame's output buffer. It returns the result word and any output.
type handlerFunc func(ctx context.Context, in []byte, limit int) (int64, []byte, error)

// Dispatcher is the reference host.
type Dispatcher struct {
	space      *region.Space
	storageDir string
	clock      clock.Clock
	logger     *slog.Logger
	onAbort    func(boundary.AbortArgs)

	handlers map[boundary.Opcode]handlerFunc
	handles  *handleTable

	entry    atomic.Pointer[Entry]
	threads  *semaphore.Weighted
	running  sync.WaitGroup
	lifetime context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool

	eventsMu sync.Mutex
	events   map[uint64]chan struct{}
	parkers  map[uint64]int

	abortsMu sync.Mutex
	aborts   []boundary.AbortArgs
}

// New creates a dispatcher. The storage directory is created if it
// does not exist.
func New(config Config) (*Dispatcher, error) {
	if config.Space == nil {
		return nil, fmt.Errorf("host: space is required")
	}
	if config.StorageDir == "" {
		return nil, fmt.Errorf("host: storage directory is required")
	}
	if err := os.MkdirAll(config.StorageDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	if config.MaxThreads <= 0 {
		config.MaxThreads = 8
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	stdin, stdout, stderr := config.Stdin, config.Stdout, config.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	lifetime, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		space:      config.Space,
		storageDir: config.StorageDir,
		clock:      config.Clock,
		logger:     config.Logger,
		onAbort:    config.OnAbort,
		handles:    newHandleTable(),
		threads:    semaphore.NewWeighted(int64(config.MaxThreads)),
		lifetime:   lifetime,
		cancel:     cancel,
		events:     make(map[uint64]chan struct{}),
		parkers:    make(map[uint64]int),
	}
	d.handles.set(0, stdioFile{stdin})
	d.handles.set(1, stdioFile{stdout})
	d.handles.set(2, stdioFile{stderr})

	d.handlers = map[boundary.Opcode]handlerFunc{
		boundary.OpMemMap:        d.memMap,
		boundary.OpMemUnmap:      d.memUnmap,
		boundary.OpThreadSpawn:   d.threadSpawn,
		boundary.OpThreadPark:    d.threadPark,
		boundary.OpThreadUnpark:  d.threadUnpark,
		boundary.OpBlockOpen:     d.blockOpen,
		boundary.OpBlockRead:     d.blockRead,
		boundary.OpBlockWrite:    d.blockWrite,
		boundary.OpBlockSync:     d.blockSync,
		boundary.OpBlockClose:    d.blockClose,
		boundary.OpBlockSize:     d.blockSize,
		boundary.OpBlockTruncate: d.blockTruncate,
		boundary.OpFdRead:        d.fdRead,
		boundary.OpFdWrite:       d.fdWrite,
		boundary.OpFdPread:       d.fdPread,
		boundary.OpFdPwrite:      d.fdPwrite,
		boundary.OpFdClose:       d.fdClose,
		boundary.OpFdDup:         d.fdDup,
		boundary.OpFdIsatty:      d.fdIsatty,
		boundary.OpPipeCreate:    d.pipeCreate,
		boundary.OpSockConnect:   d.sockConnect,
		boundary.OpSockListen:    d.sockListen,
		boundary.OpSockAccept:    d.sockAccept,
		boundary.OpSockRead:      d.sockRead,
		boundary.OpSockWrite:     d.sockWrite,
		boundary.OpSockClose:     d.sockClose,
		boundary.OpFileOpen:      d.fileOpen,
		boundary.OpFileStat:      d.fileStat,
		boundary.OpTimeNow:       d.timeNow,
		boundary.OpAbortReport:   d.abortReport,
	}
	return d, nil
}

// Bind sets the enclave entry point used for spawned threads. Spawns
// before Bind fail with ENOSYS.
func (d *Dispatcher) Bind(entry Entry) {
	d.entry.Store(&entry)
}

// Call implements [boundary.Host].
func (d *Dispatcher) Call(ctx context.Context, frame boundary.Frame) (boundary.Reply, error) {
	if d.closed.Load() {
		return boundary.Reply{}, ErrClosed
	}
	handler, ok := d.handlers[frame.Opcode]
	if !ok {
		return failed(syscall.ENOSYS), nil
	}
	if frame.In.Len > maxInput {
		return failed(syscall.E2BIG), nil
	}
	in := make([]byte, frame.In.Len)
	if len(in) > 0 {
		if err := d.space.Read(frame.In, in); err != nil {
			return failed(syscall.EFAULT), nil
		}
	}

	result, out, err := handler(ctx, in, int(frame.Out.Len))
	if err != nil {
		errno := errnoOf(err)
		d.logger.Debug("host operation failed",
			"opcode", frame.Opcode.String(),
			"seq", frame.Seq,
			"errno", errno.Error(),
			"error", err,
		)
		return failed(errno), nil
	}
	reply := boundary.Reply{Status: boundary.StatusOK, Result: result}
	if len(out) > 0 {
		if uint64(len(out)) > frame.Out.Len {
			return failed(syscall.EOVERFLOW), nil
		}
		reply.Out = region.Span{Addr: frame.Out.Addr, Len: uint64(len(out))}
		if err := d.space.Write(reply.Out, out); err != nil {
			return failed(syscall.EFAULT), nil
		}
	}
	return reply, nil
}

// Aborts returns the abort reports delivered so far.
func (d *Dispatcher) Aborts() []boundary.AbortArgs {
	d.abortsMu.Lock()
	defer d.abortsMu.Unlock()
	return append([]boundary.AbortArgs(nil), d.aborts...)
}

// OpenHandles returns the number of open handles, stdio included.
func (d *Dispatcher) OpenHandles() int {
	return d.handles.len()
}

// Close refuses further calls, wakes parked threads, and closes every
// open handle. Spawned threads are not waited for; use Wait.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancel()
	var errs []error
	for _, value := range d.handles.drain() {
		if err := closeEntry(value); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every spawned thread has returned.
func (d *Dispatcher) Wait() {
	d.running.Wait()
}

func failed(errno syscall.Errno) boundary.Reply {
	return boundary.Reply{Status: boundary.StatusFailed, Errno: errno}
}

// errnoOf maps an operation error to the errno reported across the
// boundary.
func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case errors.As(err, &errno) && errno != 0:
		return errno
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		return syscall.EBADF
	case errors.Is(err, errBadArguments):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

var errBadArguments = errors.New("malformed arguments")

// decode unmarshals a frame's argument bytes.
func decode[T any](in []byte) (T, error) {
	var args T
	if err := codec.Unmarshal(in, &args); err != nil {
		return args, fmt.Errorf("%w: %v", errBadArguments, err)
	}
	return args, nil
}

// encode marshals structured output, refusing output larger than the
// frame's buffer.
func encode(value any, limit int) ([]byte, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return nil, err
	}
	if len(data) > limit {
		return nil, syscall.EOVERFLOW
	}
	return data, nil
}
