// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netshim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/enclave/lib/boundary"
)

// ErrClosed is returned by operations on a closed Conn, Listener or
// Stream.
var ErrClosed = errors.New("use of closed handle")

// Standard stream handles registered by the host.
const (
	stdinHandle  boundary.Handle = 0
	stdoutHandle boundary.Handle = 1
	stderrHandle boundary.Handle = 2
)

// Gateway is the slice of the boundary gateway the shims use.
type Gateway interface {
	Connect(ctx context.Context, network, address string) (boundary.Handle, boundary.Addr, error)
	Listen(ctx context.Context, network, address string) (boundary.Handle, boundary.Addr, error)
	Accept(ctx context.Context, listener boundary.Handle) (boundary.Handle, boundary.Addr, error)
	SockRead(ctx context.Context, handle boundary.Handle, dst []byte) (int, error)
	SockWrite(ctx context.Context, handle boundary.Handle, data []byte) (int, error)
	SockClose(ctx context.Context, handle boundary.Handle) error

	CreatePipe(ctx context.Context) (read, write boundary.Handle, err error)
	FdRead(ctx context.Context, handle boundary.Handle, dst []byte) (int, error)
	FdWrite(ctx context.Context, handle boundary.Handle, data []byte) (int, error)
	FdClose(ctx context.Context, handle boundary.Handle) error
	FdDup(ctx context.Context, handle boundary.Handle) (boundary.Handle, error)
	IsTerminal(ctx context.Context, handle boundary.Handle) (bool, error)
}

// Addr is an address the host reported. It satisfies net.Addr; nothing
// about it is verified.
type Addr struct {
	network string
	address string
}

// Network returns the host's claimed network.
func (a Addr) Network() string { return a.network }

// String returns the host's claimed address.
func (a Addr) String() string { return a.address }

func advisory(addr boundary.Addr) Addr {
	return Addr{network: addr.Network, address: addr.Address}
}

// Net opens host-backed channels.
type Net struct {
	gateway Gateway
	logger  *slog.Logger

	stdin, stdout, stderr *Stream
}

// New creates a Net over gateway. A nil logger means slog.Default().
func New(gateway Gateway, logger *slog.Logger) *Net {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Net{gateway: gateway, logger: logger}
	n.stdin = n.stream(stdinHandle, "stdin")
	n.stdout = n.stream(stdoutHandle, "stdout")
	n.stderr = n.stream(stderrHandle, "stderr")
	return n
}

// Dial connects to address on network ("tcp", "tcp4", "tcp6",
// "unix").
func (n *Net) Dial(ctx context.Context, network, address string) (*Conn, error) {
	handle, remote, err := n.gateway.Connect(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return &Conn{gateway: n.gateway, handle: handle, remote: advisory(remote)}, nil
}

// Listen opens a listening socket.
func (n *Net) Listen(ctx context.Context, network, address string) (*Listener, error) {
	handle, local, err := n.gateway.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	n.logger.Debug("listening", "network", network, "address", local.Address)
	return &Listener{gateway: n.gateway, handle: handle, addr: advisory(local)}, nil
}

// Pipe creates a unidirectional host pipe.
func (n *Net) Pipe(ctx context.Context) (reader, writer *Stream, err error) {
	read, write, err := n.gateway.CreatePipe(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating pipe: %w", err)
	}
	return n.stream(read, "pipe"), n.stream(write, "pipe"), nil
}

// Stdin returns the host's standard input.
func (n *Net) Stdin() *Stream { return n.stdin }

// Stdout returns the host's standard output.
func (n *Net) Stdout() *Stream { return n.stdout }

// Stderr returns the host's standard error.
func (n *Net) Stderr() *Stream { return n.stderr }

func (n *Net) stream(handle boundary.Handle, name string) *Stream {
	return &Stream{gateway: n.gateway, handle: handle, name: name}
}

// writeAll writes p through write, which may accept less than offered.
func writeAll(ctx context.Context, p []byte, write func(context.Context, []byte) (int, error)) (int, error) {
	written := 0
	for written < len(p) {
		chunk := p[written:min(len(p), written+boundary.MaxTransfer)]
		n, err := write(ctx, chunk)
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// bound adapts ctx-taking methods to io.ReadWriteCloser.
type bound struct {
	ctx   context.Context
	read  func(context.Context, []byte) (int, error)
	write func(context.Context, []byte) (int, error)
	close func(context.Context) error
}

func (b bound) Read(p []byte) (int, error) { return b.read(b.ctx, p) }

func (b bound) Write(p []byte) (int, error) { return b.write(b.ctx, p) }

func (b bound) Close() error { return b.close(b.ctx) }
