// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package enclavetest

import (
	"context"
	"sync/atomic"

	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/region"
)

// Interceptor replaces the handling of one opcode. next is the wrapped
// host.
type Interceptor func(ctx context.Context, frame boundary.Frame, next boundary.Host) (boundary.Reply, error)

// Intercept routes op through fn and everything else to next.
func Intercept(next boundary.Host, op boundary.Opcode, fn Interceptor) boundary.Host {
	return boundary.HostFunc(func(ctx context.Context, frame boundary.Frame) (boundary.Reply, error) {
		if frame.Opcode == op {
			return fn(ctx, frame, next)
		}
		return next.Call(ctx, frame)
	})
}

// Counter counts frames per opcode as they pass through.
type Counter struct {
	next   boundary.Host
	counts [128]atomic.Int64
}

// Count wraps next in a Counter.
func Count(next boundary.Host) *Counter {
	return &Counter{next: next}
}

// Call implements boundary.Host.
func (c *Counter) Call(ctx context.Context, frame boundary.Frame) (boundary.Reply, error) {
	if int(frame.Opcode) < len(c.counts) {
		c.counts[frame.Opcode].Add(1)
	}
	return c.next.Call(ctx, frame)
}

// Calls returns how many op frames have passed.
func (c *Counter) Calls(op boundary.Opcode) int64 {
	if int(op) >= len(c.counts) {
		return 0
	}
	return c.counts[op].Load()
}

// SpuriousWakes returns every park immediately as if unparked.
func SpuriousWakes(next boundary.Host) boundary.Host {
	return Intercept(next, boundary.OpThreadPark, func(context.Context, boundary.Frame, boundary.Host) (boundary.Reply, error) {
		return boundary.Reply{Status: boundary.StatusOK}, nil
	})
}

// LyingTimeouts returns every park immediately claiming the timeout
// elapsed.
func LyingTimeouts(next boundary.Host) boundary.Host {
	return Intercept(next, boundary.OpThreadPark, func(context.Context, boundary.Frame, boundary.Host) (boundary.Reply, error) {
		return boundary.Reply{Status: boundary.StatusOK, Result: 1}, nil
	})
}

// CorruptReads flips the low bit of byte offset in the output of every
// successful op reply that is long enough, after the real host has
// produced it.
func CorruptReads(next boundary.Host, space *region.Space, op boundary.Opcode, offset int) boundary.Host {
	return Intercept(next, op, func(ctx context.Context, frame boundary.Frame, next boundary.Host) (boundary.Reply, error) {
		reply, err := next.Call(ctx, frame)
		if err != nil || reply.Status != boundary.StatusOK || reply.Out.Len <= uint64(offset) {
			return reply, err
		}
		space.View(reply.Out, func(out []byte) error {
			out[offset] ^= 1
			return nil
		})
		return reply, nil
	})
}

// InflateCounts adds delta to the result of every successful op reply.
func InflateCounts(next boundary.Host, op boundary.Opcode, delta int64) boundary.Host {
	return Intercept(next, op, func(ctx context.Context, frame boundary.Frame, next boundary.Host) (boundary.Reply, error) {
		reply, err := next.Call(ctx, frame)
		if err == nil && reply.Status == boundary.StatusOK {
			reply.Result += delta
		}
		return reply, err
	})
}

// PointIntoEnclave answers op with an output span aimed at the start
// of the enclave region.
func PointIntoEnclave(next boundary.Host, enclave *region.Region, op boundary.Opcode) boundary.Host {
	return Intercept(next, op, func(_ context.Context, frame boundary.Frame, _ boundary.Host) (boundary.Reply, error) {
		return boundary.Reply{
			Status: boundary.StatusOK,
			Result: int64(frame.Out.Len),
			Out:    region.Span{Addr: enclave.Base(), Len: frame.Out.Len},
		}, nil
	})
}
