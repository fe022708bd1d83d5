// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boundary

import (
	"context"
	"fmt"
	"syscall"

	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/region"
)

// Status is the host's claim about the outcome of an operation.
type Status uint32

const (
	StatusOK     Status = 0
	StatusFailed Status = 1
)

// maxErrno bounds host-reported errno values.
const maxErrno = 4095

// Frame is what the host receives for one crossing. In holds the
// encoded arguments; Out is the pre-sized buffer the host may write
// output into. Both lie in the shared arena.
type Frame struct {
	Opcode Opcode
	Seq    uint64
	In     region.Span
	Out    region.Span
}

// Reply is the host's answer. Every field is attacker-controlled
// until [Gateway.Cross] has validated it.
type Reply struct {
	Status Status
	Errno  syscall.Errno
	Result int64
	Out    region.Span
}

// Host performs crossings. The reference implementation is
// lib/host.Dispatcher.
type Host interface {
	Call(ctx context.Context, frame Frame) (Reply, error)
}

// HostFunc adapts a function to [Host].
type HostFunc func(ctx context.Context, frame Frame) (Reply, error)

// Call implements [Host].
func (f HostFunc) Call(ctx context.Context, frame Frame) (Reply, error) { return f(ctx, frame) }

// Request is one host operation, immutable once built.
type Request struct {
	opcode    Opcode
	input     []byte
	maxOutput int
	bound     int64
}

// NewRequest encodes args for op. maxOutput is the largest output the
// caller accepts. bound is the largest Result the opcode may report
// where its predicate consults one (a byte count for writes, a size
// limit for size queries).
func NewRequest(op Opcode, args any, maxOutput int, bound int64) (Request, error) {
	if maxOutput < 0 {
		return Request{}, fmt.Errorf("%s: negative output bound %d", op, maxOutput)
	}
	request := Request{opcode: op, maxOutput: maxOutput, bound: bound}
	if args != nil {
		input, err := codec.Marshal(args)
		if err != nil {
			return Request{}, fmt.Errorf("%s: encoding arguments: %w", op, err)
		}
		request.input = input
	}
	return request, nil
}

// Opcode returns the request's opcode.
func (r Request) Opcode() Opcode { return r.opcode }

// Input returns the encoded arguments. Callers must not modify it.
func (r Request) Input() []byte { return r.input }

// MaxOutput returns the output bound.
func (r Request) MaxOutput() int { return r.maxOutput }

// Bound returns the largest legal Result, where the opcode has one.
func (r Request) Bound() int64 { return r.bound }
