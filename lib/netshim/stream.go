// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netshim

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/bureau-foundation/enclave/lib/boundary"
)

// Stream is a host file descriptor: a pipe end or a standard stream.
type Stream struct {
	gateway Gateway
	handle  boundary.Handle
	name    string
	closed  atomic.Bool
}

// Handle returns the host handle.
func (s *Stream) Handle() boundary.Handle { return s.handle }

// Read reads up to len(p) bytes. A zero-byte read from the host is
// end of stream.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.gateway.FdRead(ctx, s.handle, p)
	if err != nil {
		return 0, fmt.Errorf("%s read: %w", s.name, err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes all of p.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, err := writeAll(ctx, p, func(ctx context.Context, chunk []byte) (int, error) {
		return s.gateway.FdWrite(ctx, s.handle, chunk)
	})
	if err != nil {
		return n, fmt.Errorf("%s write: %w", s.name, err)
	}
	return n, nil
}

// Close closes the descriptor. A second Close returns ErrClosed.
func (s *Stream) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return s.gateway.FdClose(ctx, s.handle)
}

// Dup duplicates the descriptor into an independent Stream.
func (s *Stream) Dup(ctx context.Context) (*Stream, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	handle, err := s.gateway.FdDup(ctx, s.handle)
	if err != nil {
		return nil, fmt.Errorf("%s dup: %w", s.name, err)
	}
	return &Stream{gateway: s.gateway, handle: handle, name: s.name}, nil
}

// IsTerminal reports the host's claim that the descriptor is a
// terminal.
func (s *Stream) IsTerminal(ctx context.Context) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	return s.gateway.IsTerminal(ctx, s.handle)
}

// Bind returns s as an io.ReadWriteCloser whose calls use ctx.
func (s *Stream) Bind(ctx context.Context) io.ReadWriteCloser {
	return bound{ctx: ctx, read: s.Read, write: s.Write, close: s.Close}
}
