// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boundary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/heap"
	"github.com/bureau-foundation/enclave/lib/region"
)

var (
	// ErrFeatureDisabled reports an opcode whose feature is off.
	ErrFeatureDisabled = errors.New("feature disabled")

	// ErrInputNotEnclave reports request input that lies in untrusted
	// memory.
	ErrInputNotEnclave = errors.New("request input is not enclave memory")
)

// transferAlign is the alignment of shared-arena transfer buffers.
const transferAlign = 8

// abortReserve is the size of the untrusted buffer mapped at
// construction for the abort report. An abort may be raised by a
// corrupted shared arena, so reporting one never allocates from it.
const abortReserve = 64 << 10

// Config configures a [Gateway].
type Config struct {
	// Host performs the crossings.
	Host Host

	// Enclave is the enclave region every host span is checked
	// against.
	Enclave *region.Region

	// Space is the untrusted address space host spans must resolve in.
	// The gateway maps its abort-report buffer there.
	Space *region.Space

	// Shared allocates transfer buffers in untrusted memory.
	Shared *heap.Allocator

	// Heap allocates the enclave staging copies.
	Heap *heap.Allocator

	// Features lists the enabled features.
	Features Feature

	// Faults reports whether the enclave has aborted. Nil for tests
	// that never abort.
	Faults *fault.Handler

	// Logger receives rejection warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// Stats counts crossings.
type Stats struct {
	Crossings    uint64
	Rejected     uint64
	HostFailures uint64
}

// Gateway validates every response before anything in the enclave
// sees it. Safe for concurrent use; crossings from different threads
// are independent.
type Gateway struct {
	host     Host
	enclave  *region.Region
	space    *region.Space
	shared   *heap.Allocator
	heap     *heap.Allocator
	features Feature
	faults   *fault.Handler
	logger   *slog.Logger

	abortBuffer *region.Mapping

	seq          atomic.Uint64
	crossings    atomic.Uint64
	rejected     atomic.Uint64
	hostFailures atomic.Uint64
	reporting    atomic.Bool
}

// New creates a gateway.
func New(config Config) (*Gateway, error) {
	switch {
	case config.Host == nil:
		return nil, fmt.Errorf("gateway: host is required")
	case config.Enclave == nil || config.Space == nil:
		return nil, fmt.Errorf("gateway: enclave region and untrusted space are required")
	case config.Shared == nil || config.Heap == nil:
		return nil, fmt.Errorf("gateway: shared arena and enclave heap are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	abortBuffer, err := config.Space.MapPinned(abortReserve)
	if err != nil {
		return nil, fmt.Errorf("gateway: reserving abort report buffer: %w", err)
	}
	return &Gateway{
		host:        config.Host,
		enclave:     config.Enclave,
		space:       config.Space,
		shared:      config.Shared,
		heap:        config.Heap,
		features:    config.Features | FeatureCore,
		faults:      config.Faults,
		logger:      config.Logger,
		abortBuffer: abortBuffer,
	}, nil
}

// Features returns the enabled feature set.
func (g *Gateway) Features() Feature { return g.features }

// Enabled reports whether feature is enabled.
func (g *Gateway) Enabled(feature Feature) bool { return g.features.Has(feature) }

// Heap returns the enclave heap staging copies are allocated from.
func (g *Gateway) Heap() *heap.Allocator { return g.heap }

// Stats returns crossing counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Crossings:    g.crossings.Load(),
		Rejected:     g.rejected.Load(),
		HostFailures: g.hostFailures.Load(),
	}
}

// Staged is a validated copy of host output in enclave memory.
type Staged struct {
	heap  *heap.Allocator
	block *heap.Block
}

// Bytes returns the staged output; nil when the host returned none.
func (s *Staged) Bytes() []byte {
	if s == nil || s.block == nil {
		return nil
	}
	return s.block.Bytes()
}

// Len returns the staged output length.
func (s *Staged) Len() int {
	if s == nil || s.block == nil {
		return 0
	}
	return s.block.Len()
}

// Release frees the staging block. Idempotent; safe on nil.
func (s *Staged) Release() {
	if s == nil || s.block == nil {
		return
	}
	s.heap.Free(s.block)
	s.block = nil
}

func (g *Gateway) admit(op Opcode) error {
	required := requires(op)
	if required == 0 {
		return fmt.Errorf("%s: %w", op, errNoPredicate)
	}
	if g.faults != nil && g.faults.Aborted() && op != OpAbortReport {
		return fmt.Errorf("%s: %w", op, fault.ErrAborted)
	}
	if op == OpAbortReport && !g.reporting.Load() {
		return fmt.Errorf("%s: abort reports cross only through ReportAbort", op)
	}
	if g.features&required == 0 {
		return fmt.Errorf("%s: %w (needs %s)", op, ErrFeatureDisabled, required)
	}
	return nil
}

// Cross performs one validated crossing. On success the caller owns
// the returned Staged and must Release it. On any error no staging
// memory is held.
func (g *Gateway) Cross(ctx context.Context, request Request) (*Staged, Reply, error) {
	return g.cross(ctx, request, nil)
}

// cross is Cross with the input carried in reserved, when non-nil,
// instead of a shared-arena block.
func (g *Gateway) cross(ctx context.Context, request Request, reserved *region.Mapping) (*Staged, Reply, error) {
	op := request.opcode
	if err := g.admit(op); err != nil {
		return nil, Reply{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, Reply{}, err
	}
	// NewRequest encodes the input into Go-managed memory, which is
	// neither the enclave region nor the untrusted space. What must
	// hold is that the host cannot see or change it before the copy
	// below, so only untrusted mappings are refused.
	if g.space.Overlaps(region.SpanOf(request.input)) {
		return nil, Reply{}, fmt.Errorf("%s: %w", op, ErrInputNotEnclave)
	}

	frame := Frame{Opcode: op, Seq: g.seq.Add(1)}
	switch {
	case len(request.input) == 0:
	case reserved != nil:
		if len(request.input) > len(reserved.Bytes()) {
			return nil, Reply{}, fmt.Errorf("%s: %d input bytes exceed the %d-byte reserved buffer", op, len(request.input), len(reserved.Bytes()))
		}
		copy(reserved.Bytes(), request.input)
		frame.In = region.Span{Addr: reserved.Span().Addr, Len: uint64(len(request.input))}
	default:
		in, err := g.shared.Alloc(len(request.input), transferAlign)
		if err != nil {
			return nil, Reply{}, fmt.Errorf("%s: staging input: %w", op, err)
		}
		defer g.shared.Free(in)
		copy(in.Bytes(), request.input)
		frame.In = in.Span()
	}
	if request.maxOutput > 0 {
		out, err := g.shared.Alloc(request.maxOutput, transferAlign)
		if err != nil {
			return nil, Reply{}, fmt.Errorf("%s: staging output: %w", op, err)
		}
		defer g.shared.Free(out)
		frame.Out = out.Span()
	}

	g.crossings.Add(1)
	reply, err := g.host.Call(ctx, frame)
	if err != nil {
		return nil, Reply{}, fmt.Errorf("crossing %s: %w", op, err)
	}

	switch reply.Status {
	case StatusOK:
	case StatusFailed:
		if reply.Errno == 0 || reply.Errno > maxErrno {
			return nil, Reply{}, g.reject(frame, fmt.Sprintf("failure errno %d", uintptr(reply.Errno)))
		}
		if reply.Out.Len != 0 {
			return nil, Reply{}, g.reject(frame, "failure carries output")
		}
		g.hostFailures.Add(1)
		return nil, reply, &fault.HostError{Op: op.String(), Errno: reply.Errno}
	default:
		return nil, Reply{}, g.reject(frame, fmt.Sprintf("unknown status %d", reply.Status))
	}

	// Range check, then size check, on the host's claim.
	if reply.Out.Len > 0 {
		if g.enclave.Overlaps(reply.Out) {
			return nil, Reply{}, g.reject(frame, fmt.Sprintf("output span %s overlaps the enclave region", reply.Out))
		}
		if !g.space.Contains(reply.Out) {
			return nil, Reply{}, g.reject(frame, fmt.Sprintf("output span %s is not a live untrusted mapping", reply.Out))
		}
	}
	if reply.Out.Len > uint64(request.maxOutput) {
		return nil, Reply{}, g.reject(frame, fmt.Sprintf("output length %d exceeds bound %d", reply.Out.Len, request.maxOutput))
	}

	// Copy, then check the copy.
	staged := &Staged{heap: g.heap}
	if reply.Out.Len > 0 {
		block, err := g.heap.Alloc(int(reply.Out.Len), transferAlign)
		if err != nil {
			return nil, Reply{}, fmt.Errorf("%s: staging reply: %w", op, err)
		}
		staged.block = block
		if err := g.space.Read(reply.Out, block.Bytes()); err != nil {
			staged.Release()
			return nil, Reply{}, g.reject(frame, "output span unmapped during copy")
		}
	}
	if err := g.check(request, reply, staged.Bytes()); err != nil {
		staged.Release()
		return nil, Reply{}, g.reject(frame, err.Error())
	}
	return staged, reply, nil
}

func (g *Gateway) reject(frame Frame, reason string) error {
	g.rejected.Add(1)
	g.logger.Warn("rejected host response",
		"opcode", frame.Opcode.String(),
		"seq", frame.Seq,
		"reason", reason,
	)
	return fmt.Errorf("%s: %s: %w", frame.Opcode, reason, fault.ErrUntrustedResponse)
}

// ReportAbort delivers the abort report. It implements
// [fault.Reporter] and succeeds at most once. The report crosses in
// the buffer reserved at construction and allocates nothing from
// either heap; a sealed record too large for it is dropped and only
// the kind is sent.
func (g *Gateway) ReportAbort(ctx context.Context, report fault.Report) error {
	if !g.reporting.CompareAndSwap(false, true) {
		return fmt.Errorf("abort already reported")
	}
	request, err := NewRequest(OpAbortReport, AbortArgs{Kind: uint8(report.Kind), Sealed: report.Sealed}, 0, 0)
	if err != nil {
		return err
	}
	if len(request.input) > abortReserve {
		g.logger.Warn("sealed abort report exceeds the reserved buffer; sending kind only",
			"bytes", len(request.input), "reserve", abortReserve)
		if request, err = NewRequest(OpAbortReport, AbortArgs{Kind: uint8(report.Kind)}, 0, 0); err != nil {
			return err
		}
	}
	staged, _, err := g.cross(ctx, request, g.abortBuffer)
	staged.Release()
	return err
}
