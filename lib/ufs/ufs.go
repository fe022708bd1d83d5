// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ufs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/bureau-foundation/enclave/lib/boundary"
)

// ErrClosed is returned by operations on a closed File.
var ErrClosed = errors.New("untrusted file already closed")

// Gateway is the slice of the boundary gateway ufs uses.
type Gateway interface {
	OpenFile(ctx context.Context, path string, flags int, mode uint32) (boundary.Handle, error)
	StatFile(ctx context.Context, handle boundary.Handle) (int64, error)
	FdPread(ctx context.Context, handle boundary.Handle, dst []byte, offset int64) (int, error)
	FdPwrite(ctx context.Context, handle boundary.Handle, data []byte, offset int64) (int, error)
	FdDup(ctx context.Context, handle boundary.Handle) (boundary.Handle, error)
	FdClose(ctx context.Context, handle boundary.Handle) error
}

// File is an open host file.
type File struct {
	gateway Gateway
	handle  boundary.Handle
	path    string
	closed  atomic.Bool
}

// Open opens path on the host with os.OpenFile flags and mode.
func Open(ctx context.Context, gateway Gateway, path string, flags int, mode uint32) (*File, error) {
	handle, err := gateway.OpenFile(ctx, path, flags, mode)
	if err != nil {
		return nil, fmt.Errorf("opening host file %s: %w", path, err)
	}
	return &File{gateway: gateway, handle: handle, path: path}, nil
}

// Name returns the path the file was opened with.
func (f *File) Name() string { return f.path }

// ReadAt reads len(p) bytes at off, in as many crossings as needed. It
// returns io.EOF when the host reports end of file first.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("reading %s: negative offset", f.path)
	}
	read := 0
	for read < len(p) {
		n, err := f.gateway.FdPread(ctx, f.handle, p[read:], off+int64(read))
		if err != nil {
			return read, fmt.Errorf("reading %s: %w", f.path, err)
		}
		if n == 0 {
			return read, io.EOF
		}
		read += n
	}
	return read, nil
}

// WriteAt writes all of p at off.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("writing %s: negative offset", f.path)
	}
	written := 0
	for written < len(p) {
		chunk := p[written:min(len(p), written+boundary.MaxTransfer)]
		n, err := f.gateway.FdPwrite(ctx, f.handle, chunk, off+int64(written))
		written += n
		if err != nil {
			return written, fmt.Errorf("writing %s: %w", f.path, err)
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Size returns the size the host reports.
func (f *File) Size(ctx context.Context) (int64, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}
	size, err := f.gateway.StatFile(ctx, f.handle)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.path, err)
	}
	return size, nil
}

// Dup returns an independent handle on the same host file.
func (f *File) Dup(ctx context.Context) (*File, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	handle, err := f.gateway.FdDup(ctx, f.handle)
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", f.path, err)
	}
	return &File{gateway: f.gateway, handle: handle, path: f.path}, nil
}

// Close closes the file. A second Close returns ErrClosed.
func (f *File) Close(ctx context.Context) error {
	if !f.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return f.gateway.FdClose(ctx, f.handle)
}

// ReadFile reads a whole host file.
func ReadFile(ctx context.Context, gateway Gateway, path string) ([]byte, error) {
	file, err := Open(ctx, gateway, path, 0, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close(ctx)
	size, err := file.Size(ctx)
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	n, err := file.ReadAt(ctx, data, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data[:n], nil
}
