// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boundary

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/region"
)

// errNoPredicate rejects an opcode the switch below does not cover.
var errNoPredicate = errors.New("opcode has no validation predicate")

// maxAddrSize bounds the advisory address a socket reply may carry.
const maxAddrSize = 512

// check runs the opcode's validation predicate. out is the enclave
// staging copy of the reply's output, never host memory.
func (g *Gateway) check(request Request, reply Reply, out []byte) error {
	switch request.opcode {
	case OpMemMap:
		if reply.Result != 0 {
			return fmt.Errorf("result %d, want 0", reply.Result)
		}
		var result MemMapResult
		if err := codec.UnmarshalUntrusted(out, &result); err != nil {
			return fmt.Errorf("decoding mapping: %w", err)
		}
		span := region.Span{Addr: result.Addr, Len: result.Len}
		if result.Len != uint64(request.bound) {
			return fmt.Errorf("mapping %s, requested %d bytes", span, request.bound)
		}
		if g.enclave.Overlaps(span) {
			return fmt.Errorf("mapping %s overlaps the enclave region", span)
		}
		if !g.space.Contains(span) {
			return fmt.Errorf("mapping %s is not a live untrusted mapping", span)
		}
		return nil

	case OpMemUnmap, OpThreadUnpark, OpBlockSync, OpBlockClose, OpBlockTruncate,
		OpFdClose, OpSockClose, OpAbortReport:
		return expectNothing(reply, out)

	case OpThreadSpawn:
		if reply.Result <= 0 {
			return fmt.Errorf("host thread id %d", reply.Result)
		}
		return expectNoOutput(out)

	case OpThreadPark, OpFdIsatty:
		if reply.Result != 0 && reply.Result != 1 {
			return fmt.Errorf("result %d, want 0 or 1", reply.Result)
		}
		return expectNoOutput(out)

	case OpBlockOpen, OpFdDup, OpFileOpen:
		if err := checkHandle(reply.Result); err != nil {
			return err
		}
		return expectNoOutput(out)

	case OpSockConnect, OpSockListen, OpSockAccept:
		if err := checkHandle(reply.Result); err != nil {
			return err
		}
		if len(out) > maxAddrSize {
			return fmt.Errorf("address is %d bytes", len(out))
		}
		if len(out) > 0 {
			var addr Addr
			if err := codec.UnmarshalUntrusted(out, &addr); err != nil {
				return fmt.Errorf("decoding address: %w", err)
			}
		}
		return nil

	case OpBlockRead, OpFdRead, OpFdPread, OpSockRead:
		if reply.Result != int64(len(out)) {
			return fmt.Errorf("reported %d bytes, delivered %d", reply.Result, len(out))
		}
		return nil

	case OpBlockWrite:
		if reply.Result != request.bound {
			return fmt.Errorf("wrote %d bytes of %d", reply.Result, request.bound)
		}
		return expectNoOutput(out)

	case OpFdWrite, OpFdPwrite, OpSockWrite:
		if reply.Result < 0 || reply.Result > request.bound {
			return fmt.Errorf("wrote %d bytes of %d", reply.Result, request.bound)
		}
		return expectNoOutput(out)

	case OpBlockSize, OpFileStat:
		if reply.Result < 0 || reply.Result > request.bound {
			return fmt.Errorf("size %d outside [0, %d]", reply.Result, request.bound)
		}
		return expectNoOutput(out)

	case OpPipeCreate:
		if reply.Result != 0 {
			return fmt.Errorf("result %d, want 0", reply.Result)
		}
		var result PipeResult
		if err := codec.UnmarshalUntrusted(out, &result); err != nil {
			return fmt.Errorf("decoding pipe: %w", err)
		}
		if err := checkHandle(int64(result.Read)); err != nil {
			return fmt.Errorf("read end: %w", err)
		}
		if err := checkHandle(int64(result.Write)); err != nil {
			return fmt.Errorf("write end: %w", err)
		}
		if result.Read == result.Write {
			return fmt.Errorf("pipe ends share handle %d", result.Read)
		}
		return nil

	case OpTimeNow:
		if reply.Result <= 0 {
			return fmt.Errorf("time %d", reply.Result)
		}
		return expectNoOutput(out)

	default:
		return errNoPredicate
	}
}

func checkHandle(value int64) error {
	if value < 0 || value > MaxHandle {
		return fmt.Errorf("handle %d out of range", value)
	}
	return nil
}

func expectNoOutput(out []byte) error {
	if len(out) != 0 {
		return fmt.Errorf("unexpected %d output bytes", len(out))
	}
	return nil
}

func expectNothing(reply Reply, out []byte) error {
	if reply.Result != 0 {
		return fmt.Errorf("result %d, want 0", reply.Result)
	}
	return expectNoOutput(out)
}
