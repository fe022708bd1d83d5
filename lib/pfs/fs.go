// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/locks"
	"github.com/bureau-foundation/enclave/lib/seal"
	"github.com/bureau-foundation/enclave/lib/spinlock"
)

var (
	// ErrClosed is returned by operations on a closed File.
	ErrClosed = errors.New("protected file already closed")

	// ErrReadOnly is returned by writes through a read-only File.
	ErrReadOnly = errors.New("protected file opened read-only")

	// ErrTooLarge is returned when a write or truncate would exceed
	// MaxSize for the file's block size.
	ErrTooLarge = errors.New("protected file size limit exceeded")

	// ErrInvalidName is returned for names that are not a single
	// path element.
	ErrInvalidName = errors.New("invalid protected file name")
)

// defaultMaxDirty is the dirty-set size, in blocks, at which a write
// flushes on its own.
const defaultMaxDirty = 256

// defaultCacheBlocks is the per-file count of verified plaintext
// blocks kept to avoid refetching them from the host.
const defaultCacheBlocks = 64

// Store is the block-storage slice of the boundary gateway.
type Store interface {
	OpenBlockFile(ctx context.Context, name string, create bool) (boundary.Handle, error)
	ReadBlock(ctx context.Context, handle boundary.Handle, offset int64, dst []byte) (int, error)
	WriteBlock(ctx context.Context, handle boundary.Handle, offset int64, data []byte) error
	SyncBlockFile(ctx context.Context, handle boundary.Handle) error
	CloseBlockFile(ctx context.Context, handle boundary.Handle) error
	BlockFileSize(ctx context.Context, handle boundary.Handle, limit int64) (int64, error)
	TruncateBlockFile(ctx context.Context, handle boundary.Handle, size int64) error
}

// Config configures an FS.
type Config struct {
	// Store moves sealed blocks to and from the host. Required.
	Store Store

	// Master derives per-file keys. Required.
	Master *seal.Master

	// Parker blocks threads contending for a file. Required.
	Parker locks.Parker

	// BlockSize applies to files this FS creates. Existing files
	// keep the block size in their header. Defaults to
	// DefaultBlockSize.
	BlockSize int

	// MaxDirty is the number of dirty blocks a handle accumulates
	// before a write flushes. Defaults to 256.
	MaxDirty int

	// CacheBlocks is how many verified plaintext blocks each open
	// file keeps. Zero means 64; negative disables the cache.
	CacheBlocks int

	Logger *slog.Logger
}

// FS opens protected files. Each open file's committed state is
// shared by every handle on it.
type FS struct {
	store       Store
	master      *seal.Master
	parker      locks.Parker
	blockSize   int
	maxDirty    int
	cacheBlocks int
	logger      *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64

	guard spinlock.Lock
	files map[string]*file
}

// Stats is a snapshot of FS activity.
type Stats struct {
	OpenFiles   int
	CacheHits   uint64
	CacheMisses uint64
}

// New creates an FS.
func New(config Config) (*FS, error) {
	if config.Store == nil || config.Master == nil || config.Parker == nil {
		return nil, errors.New("pfs: Store, Master and Parker are required")
	}
	if config.BlockSize == 0 {
		config.BlockSize = DefaultBlockSize
	}
	if !ValidBlockSize(config.BlockSize) {
		return nil, fmt.Errorf("pfs: block size %d is not a power of two in [%d, %d]", config.BlockSize, MinBlockSize, MaxBlockSize)
	}
	if config.MaxDirty <= 0 {
		config.MaxDirty = defaultMaxDirty
	}
	if config.CacheBlocks == 0 {
		config.CacheBlocks = defaultCacheBlocks
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &FS{
		store:       config.Store,
		master:      config.Master,
		parker:      config.Parker,
		blockSize:   config.BlockSize,
		maxDirty:    config.MaxDirty,
		cacheBlocks: config.CacheBlocks,
		logger:      config.Logger,
		files:       make(map[string]*file),
	}, nil
}

// Open opens the protected file name. flag takes os.O_RDONLY,
// os.O_RDWR or os.O_WRONLY, optionally with os.O_CREATE and
// os.O_TRUNC. A file created by Open is committed (generation 1,
// empty) before Open returns.
func (fs *FS) Open(ctx context.Context, name string, flag int) (*File, error) {
	return fs.open(ctx, name, flag, nil)
}

// OpenVerified is Open for a file whose current integrity root must
// equal root. A mismatch, such as the host rolling the backing file
// back to an older generation, is reported as
// fault.ErrIntegrityViolation.
func (fs *FS) OpenVerified(ctx context.Context, name string, flag int, root seal.MAC) (*File, error) {
	return fs.open(ctx, name, flag, &root)
}

// OpenFiles returns the number of files with at least one open handle.
func (fs *FS) OpenFiles() int {
	fs.guard.Lock()
	defer fs.guard.Unlock()
	return len(fs.files)
}

// Stats returns open-file and block-cache counters.
func (fs *FS) Stats() Stats {
	return Stats{
		OpenFiles:   fs.OpenFiles(),
		CacheHits:   fs.hits.Load(),
		CacheMisses: fs.misses.Load(),
	}
}

func (fs *FS) open(ctx context.Context, name string, flag int, expected *seal.MAC) (*File, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	if flag&os.O_TRUNC != 0 && !writable {
		return nil, fmt.Errorf("opening %s: O_TRUNC requires a writable handle", name)
	}

	fs.guard.Lock()
	f := fs.files[name]
	if f == nil {
		f = &file{fs: fs, name: name, lock: locks.NewMutex(fs.parker)}
		fs.files[name] = f
	}
	f.refs++
	fs.guard.Unlock()

	if err := f.lock.Lock(ctx); err != nil {
		fs.release(ctx, f)
		return nil, err
	}
	err := f.ready(ctx, flag&os.O_CREATE != 0)
	if err == nil && expected != nil && f.root != *expected {
		err = fmt.Errorf("opening %s: integrity root does not match the expected root (rollback?): %w", name, fault.ErrIntegrityViolation)
	}
	if err == nil && flag&os.O_TRUNC != 0 {
		err = f.commit(ctx, changes{truncate: true})
	}
	f.unlock(ctx)
	if err != nil {
		fs.release(ctx, f)
		return nil, err
	}
	return &File{file: f, writable: writable}, nil
}

// release drops one reference to f, closing its backing file when the
// last handle goes.
func (fs *FS) release(ctx context.Context, f *file) error {
	fs.guard.Lock()
	f.refs--
	last := f.refs == 0
	if last && fs.files[f.name] == f {
		delete(fs.files, f.name)
	}
	fs.guard.Unlock()
	if !last {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	if err := f.lock.Lock(ctx); err != nil {
		return err
	}
	defer f.unlock(ctx)
	return f.shutdown(ctx)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
