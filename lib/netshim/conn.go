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

// Conn is a connected host socket.
type Conn struct {
	gateway Gateway
	handle  boundary.Handle
	remote  Addr
	closed  atomic.Bool
}

// Handle returns the host handle.
func (c *Conn) Handle() boundary.Handle { return c.handle }

// RemoteAddr returns the peer address the host reported.
func (c *Conn) RemoteAddr() Addr { return c.remote }

// Read reads up to len(p) bytes. A zero-byte read from the host is
// end of stream.
func (c *Conn) Read(ctx context.Context, p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.gateway.SockRead(ctx, c.handle, p)
	if err != nil {
		return 0, fmt.Errorf("socket read: %w", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes all of p, in as many crossings as it takes.
func (c *Conn) Write(ctx context.Context, p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	n, err := writeAll(ctx, p, func(ctx context.Context, chunk []byte) (int, error) {
		return c.gateway.SockWrite(ctx, c.handle, chunk)
	})
	if err != nil {
		return n, fmt.Errorf("socket write: %w", err)
	}
	return n, nil
}

// Close closes the socket. A second Close returns ErrClosed.
func (c *Conn) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return c.gateway.SockClose(ctx, c.handle)
}

// Bind returns c as an io.ReadWriteCloser whose calls use ctx.
func (c *Conn) Bind(ctx context.Context) io.ReadWriteCloser {
	return bound{ctx: ctx, read: c.Read, write: c.Write, close: c.Close}
}

// Listener is a listening host socket.
type Listener struct {
	gateway Gateway
	handle  boundary.Handle
	addr    Addr
	closed  atomic.Bool
}

// Addr returns the local address the host reported.
func (l *Listener) Addr() Addr { return l.addr }

// Accept waits for the next connection. Cancelling ctx abandons the
// wait.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	handle, remote, err := l.gateway.Accept(ctx, l.handle)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return &Conn{gateway: l.gateway, handle: handle, remote: advisory(remote)}, nil
}

// Close stops listening. A second Close returns ErrClosed.
func (l *Listener) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return l.gateway.SockClose(ctx, l.handle)
}
