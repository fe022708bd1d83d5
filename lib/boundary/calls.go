// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boundary

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/region"
)

// MaxTransfer bounds the bytes moved by one read or write crossing.
// Larger buffers are served in several crossings by the callers.
const MaxTransfer = 256 << 10

// MaxFileSize bounds any size the host reports for a file.
const MaxFileSize = 1 << 48

// call performs a crossing whose output the caller does not need.
func (g *Gateway) call(ctx context.Context, op Opcode, args any, bound int64) (Reply, error) {
	request, err := NewRequest(op, args, 0, bound)
	if err != nil {
		return Reply{}, err
	}
	staged, reply, err := g.Cross(ctx, request)
	staged.Release()
	return reply, err
}

// read performs a crossing whose output is copied into dst only after
// validation; dst is untouched on any error.
func (g *Gateway) read(ctx context.Context, op Opcode, args any, dst []byte) (int, error) {
	if len(dst) > MaxTransfer {
		dst = dst[:MaxTransfer]
	}
	request, err := NewRequest(op, args, len(dst), int64(len(dst)))
	if err != nil {
		return 0, err
	}
	staged, _, err := g.Cross(ctx, request)
	if err != nil {
		return 0, err
	}
	defer staged.Release()
	return copy(dst, staged.Bytes()), nil
}

// decode performs a crossing with structured output.
func (g *Gateway) decode(ctx context.Context, op Opcode, args any, maxOutput int, bound int64, result any) (Reply, error) {
	request, err := NewRequest(op, args, maxOutput, bound)
	if err != nil {
		return Reply{}, err
	}
	staged, reply, err := g.Cross(ctx, request)
	if err != nil {
		return Reply{}, err
	}
	defer staged.Release()
	if staged.Len() > 0 {
		if err := codec.UnmarshalUntrusted(staged.Bytes(), result); err != nil {
			return Reply{}, fmt.Errorf("%s: decoding validated output: %w", op, err)
		}
	}
	return reply, nil
}

// MapMemory asks the host for a fresh untrusted mapping of size bytes.
func (g *Gateway) MapMemory(ctx context.Context, size int) (region.Span, error) {
	var result MemMapResult
	if _, err := g.decode(ctx, OpMemMap, MemMapArgs{Size: uint64(size)}, 64, int64(size), &result); err != nil {
		return region.Span{}, err
	}
	return region.Span{Addr: result.Addr, Len: result.Len}, nil
}

// UnmapMemory releases a mapping obtained from MapMemory.
func (g *Gateway) UnmapMemory(ctx context.Context, span region.Span) error {
	_, err := g.call(ctx, OpMemUnmap, MemUnmapArgs{Addr: span.Addr}, 0)
	return err
}

// SpawnThread asks the host to start an OS thread that enters the
// enclave as thread id. Returns the host's thread id (advisory).
func (g *Gateway) SpawnThread(ctx context.Context, id uint64) (int64, error) {
	reply, err := g.call(ctx, OpThreadSpawn, ThreadArgs{Thread: id}, 0)
	return reply.Result, err
}

// Park asks the host to suspend thread id until unparked or until
// timeout elapses (zero waits indefinitely). The returned timedOut is
// the host's claim and must not be trusted; callers re-check their own
// state and clock.
func (g *Gateway) Park(ctx context.Context, id uint64, timeout time.Duration) (timedOut bool, err error) {
	reply, err := g.call(ctx, OpThreadPark, ParkArgs{Thread: id, TimeoutNanos: int64(timeout)}, 0)
	return reply.Result == 1, err
}

// Unpark asks the host to wake thread id.
func (g *Gateway) Unpark(ctx context.Context, id uint64) error {
	_, err := g.call(ctx, OpThreadUnpark, ThreadArgs{Thread: id}, 0)
	return err
}

// OpenBlockFile opens a protected-storage backing file by name.
func (g *Gateway) OpenBlockFile(ctx context.Context, name string, create bool) (Handle, error) {
	reply, err := g.call(ctx, OpBlockOpen, BlockOpenArgs{Name: name, Create: create}, 0)
	return Handle(reply.Result), err
}

// ReadBlock reads up to len(dst) ciphertext bytes at offset. dst is
// modified only on success.
func (g *Gateway) ReadBlock(ctx context.Context, handle Handle, offset int64, dst []byte) (int, error) {
	return g.read(ctx, OpBlockRead, IOArgs{Handle: handle, Offset: offset}, dst)
}

// WriteBlock writes all of data at offset; short writes are rejected.
func (g *Gateway) WriteBlock(ctx context.Context, handle Handle, offset int64, data []byte) error {
	if len(data) > MaxTransfer {
		return fmt.Errorf("%s: %d bytes exceeds transfer limit %d", OpBlockWrite, len(data), MaxTransfer)
	}
	_, err := g.call(ctx, OpBlockWrite, IOArgs{Handle: handle, Offset: offset, Data: data}, int64(len(data)))
	return err
}

// SyncBlockFile flushes a backing file to stable storage.
func (g *Gateway) SyncBlockFile(ctx context.Context, handle Handle) error {
	_, err := g.call(ctx, OpBlockSync, HandleArgs{Handle: handle}, 0)
	return err
}

// CloseBlockFile closes a backing file.
func (g *Gateway) CloseBlockFile(ctx context.Context, handle Handle) error {
	_, err := g.call(ctx, OpBlockClose, HandleArgs{Handle: handle}, 0)
	return err
}

// BlockFileSize returns the backing file size, rejecting anything
// above limit.
func (g *Gateway) BlockFileSize(ctx context.Context, handle Handle, limit int64) (int64, error) {
	reply, err := g.call(ctx, OpBlockSize, HandleArgs{Handle: handle}, limit)
	return reply.Result, err
}

// TruncateBlockFile sets the backing file size.
func (g *Gateway) TruncateBlockFile(ctx context.Context, handle Handle, size int64) error {
	_, err := g.call(ctx, OpBlockTruncate, TruncateArgs{Handle: handle, Size: size}, 0)
	return err
}

// FdRead reads from a host fd into dst.
func (g *Gateway) FdRead(ctx context.Context, handle Handle, dst []byte) (int, error) {
	return g.read(ctx, OpFdRead, IOArgs{Handle: handle}, dst)
}

// FdWrite writes to a host fd and returns the host's count, which is
// never larger than len(data).
func (g *Gateway) FdWrite(ctx context.Context, handle Handle, data []byte) (int, error) {
	if len(data) > MaxTransfer {
		data = data[:MaxTransfer]
	}
	reply, err := g.call(ctx, OpFdWrite, IOArgs{Handle: handle, Data: data}, int64(len(data)))
	return int(reply.Result), err
}

// FdPread reads from a host fd at offset.
func (g *Gateway) FdPread(ctx context.Context, handle Handle, dst []byte, offset int64) (int, error) {
	return g.read(ctx, OpFdPread, IOArgs{Handle: handle, Offset: offset}, dst)
}

// FdPwrite writes to a host fd at offset.
func (g *Gateway) FdPwrite(ctx context.Context, handle Handle, data []byte, offset int64) (int, error) {
	if len(data) > MaxTransfer {
		data = data[:MaxTransfer]
	}
	reply, err := g.call(ctx, OpFdPwrite, IOArgs{Handle: handle, Offset: offset, Data: data}, int64(len(data)))
	return int(reply.Result), err
}

// FdClose closes a host fd.
func (g *Gateway) FdClose(ctx context.Context, handle Handle) error {
	_, err := g.call(ctx, OpFdClose, HandleArgs{Handle: handle}, 0)
	return err
}

// FdDup duplicates a host fd.
func (g *Gateway) FdDup(ctx context.Context, handle Handle) (Handle, error) {
	reply, err := g.call(ctx, OpFdDup, HandleArgs{Handle: handle}, 0)
	return Handle(reply.Result), err
}

// IsTerminal asks whether a host fd is a terminal. Advisory.
func (g *Gateway) IsTerminal(ctx context.Context, handle Handle) (bool, error) {
	reply, err := g.call(ctx, OpFdIsatty, HandleArgs{Handle: handle}, 0)
	return reply.Result == 1, err
}

// CreatePipe creates a host pipe.
func (g *Gateway) CreatePipe(ctx context.Context) (read, write Handle, err error) {
	var result PipeResult
	if _, err := g.decode(ctx, OpPipeCreate, nil, 64, 0, &result); err != nil {
		return 0, 0, err
	}
	return result.Read, result.Write, nil
}

// Connect opens a host socket to address. The returned Addr is the
// host's advisory claim about the peer.
func (g *Gateway) Connect(ctx context.Context, network, address string) (Handle, Addr, error) {
	return g.sock(ctx, OpSockConnect, SockArgs{Network: network, Address: address})
}

// Listen opens a host listening socket.
func (g *Gateway) Listen(ctx context.Context, network, address string) (Handle, Addr, error) {
	return g.sock(ctx, OpSockListen, SockArgs{Network: network, Address: address})
}

// Accept accepts one connection on a listening handle.
func (g *Gateway) Accept(ctx context.Context, listener Handle) (Handle, Addr, error) {
	return g.sock(ctx, OpSockAccept, HandleArgs{Handle: listener})
}

func (g *Gateway) sock(ctx context.Context, op Opcode, args any) (Handle, Addr, error) {
	var addr Addr
	reply, err := g.decode(ctx, op, args, maxAddrSize, 0, &addr)
	if err != nil {
		return 0, Addr{}, err
	}
	return Handle(reply.Result), addr, nil
}

// SockRead reads from a host socket into dst.
func (g *Gateway) SockRead(ctx context.Context, handle Handle, dst []byte) (int, error) {
	return g.read(ctx, OpSockRead, IOArgs{Handle: handle}, dst)
}

// SockWrite writes to a host socket.
func (g *Gateway) SockWrite(ctx context.Context, handle Handle, data []byte) (int, error) {
	if len(data) > MaxTransfer {
		data = data[:MaxTransfer]
	}
	reply, err := g.call(ctx, OpSockWrite, IOArgs{Handle: handle, Data: data}, int64(len(data)))
	return int(reply.Result), err
}

// SockClose closes a host socket.
func (g *Gateway) SockClose(ctx context.Context, handle Handle) error {
	_, err := g.call(ctx, OpSockClose, HandleArgs{Handle: handle}, 0)
	return err
}

// OpenFile opens an untrusted host file.
func (g *Gateway) OpenFile(ctx context.Context, path string, flags int, mode uint32) (Handle, error) {
	reply, err := g.call(ctx, OpFileOpen, FileOpenArgs{Path: path, Flags: flags, Mode: mode}, 0)
	return Handle(reply.Result), err
}

// StatFile returns an untrusted host file's size.
func (g *Gateway) StatFile(ctx context.Context, handle Handle) (int64, error) {
	reply, err := g.call(ctx, OpFileStat, HandleArgs{Handle: handle}, MaxFileSize)
	return reply.Result, err
}

// Now returns the host's wall clock. Untrusted: see lib/clock.Host.
func (g *Gateway) Now(ctx context.Context) (time.Time, error) {
	reply, err := g.call(ctx, OpTimeNow, nil, 0)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, reply.Result), nil
}
