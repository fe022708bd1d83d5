// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/bureau-foundation/enclave/lib/boundary"
)

// Sockets. Stream networks only: datagram sockets have no opcode.

func checkNetwork(network string) error {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
		return nil
	default:
		return syscall.EAFNOSUPPORT
	}
}

func (d *Dispatcher) sockConnect(ctx context.Context, in []byte, limit int) (int64, []byte, error) {
	args, err := decode[boundary.SockArgs](in)
	if err != nil {
		return 0, nil, err
	}
	if err := checkNetwork(args.Network); err != nil {
		return 0, nil, err
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, args.Network, args.Address)
	if err != nil {
		return 0, nil, err
	}
	return d.addSocket(conn, conn.RemoteAddr(), limit)
}

func (d *Dispatcher) sockListen(_ context.Context, in []byte, limit int) (int64, []byte, error) {
	args, err := decode[boundary.SockArgs](in)
	if err != nil {
		return 0, nil, err
	}
	if err := checkNetwork(args.Network); err != nil {
		return 0, nil, err
	}
	var config net.ListenConfig
	listener, err := config.Listen(d.lifetime, args.Network, args.Address)
	if err != nil {
		return 0, nil, err
	}
	return d.addSocket(listener, listener.Addr(), limit)
}

// deadliner is implemented by the stream listeners net.ListenConfig
// returns.
type deadliner interface {
	SetDeadline(time.Time) error
}

func (d *Dispatcher) sockAccept(ctx context.Context, in []byte, limit int) (int64, []byte, error) {
	args, err := decode[boundary.HandleArgs](in)
	if err != nil {
		return 0, nil, err
	}
	listener, err := lookup[net.Listener](d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	if withDeadline, ok := listener.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() {
			withDeadline.SetDeadline(time.Unix(1, 0))
		})
		defer func() {
			if !stop() {
				withDeadline.SetDeadline(time.Time{})
			}
		}()
	}
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, err
	}
	return d.addSocket(conn, conn.RemoteAddr(), limit)
}

func (d *Dispatcher) addSocket(value io.Closer, addr net.Addr, limit int) (int64, []byte, error) {
	handle, err := d.handles.add(value)
	if err != nil {
		value.Close()
		return 0, nil, err
	}
	var advisory boundary.Addr
	if addr != nil {
		advisory = boundary.Addr{Network: addr.Network(), Address: addr.String()}
	}
	out, err := encode(advisory, limit)
	if err != nil {
		d.handles.remove(handle)
		value.Close()
		return 0, nil, err
	}
	return int64(handle), out, nil
}

func (d *Dispatcher) sockRead(_ context.Context, in []byte, limit int) (int64, []byte, error) {
	args, err := decode[boundary.IOArgs](in)
	if err != nil {
		return 0, nil, err
	}
	conn, err := lookup[net.Conn](d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	buffer := make([]byte, limit)
	n, err := conn.Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, err
	}
	return int64(n), buffer[:n], nil
}

func (d *Dispatcher) sockWrite(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.IOArgs](in)
	if err != nil {
		return 0, nil, err
	}
	conn, err := lookup[net.Conn](d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	n, err := conn.Write(args.Data)
	if err != nil && n == 0 {
		return 0, nil, err
	}
	return int64(n), nil, nil
}

func (d *Dispatcher) sockClose(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.HandleArgs](in)
	if err != nil {
		return 0, nil, err
	}
	value, ok := d.handles.get(args.Handle)
	if !ok {
		return 0, nil, syscall.EBADF
	}
	switch value.(type) {
	case net.Conn, net.Listener:
	default:
		return 0, nil, syscall.EBADF
	}
	d.handles.remove(args.Handle)
	return 0, nil, closeEntry(value)
}
