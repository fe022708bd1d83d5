// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boundary

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/heap"
	"github.com/bureau-foundation/enclave/lib/region"
)

type testEnv struct {
	enclave *region.Region
	space   *region.Space
	shared  *heap.Allocator
	heap    *heap.Allocator
	calls   atomic.Int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	enclave, err := region.Reserve(64*heap.PageSize, region.Options{})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	t.Cleanup(func() { enclave.Release() })
	space := region.NewSpace(enclave)
	t.Cleanup(func() { space.Close() })
	arena, err := space.MapPinned(64 * heap.PageSize)
	if err != nil {
		t.Fatalf("MapPinned: %v", err)
	}
	shared, err := heap.NewShared(arena)
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	enclaveHeap, err := heap.NewEnclave(enclave)
	if err != nil {
		t.Fatalf("NewEnclave: %v", err)
	}
	return &testEnv{enclave: enclave, space: space, shared: shared, heap: enclaveHeap}
}

func (env *testEnv) gateway(t *testing.T, features Feature, faults *fault.Handler, host HostFunc) *Gateway {
	t.Helper()
	counted := HostFunc(func(ctx context.Context, frame Frame) (Reply, error) {
		env.calls.Add(1)
		return host(ctx, frame)
	})
	gateway, err := New(Config{
		Host:     counted,
		Enclave:  env.enclave,
		Space:    env.space,
		Shared:   env.shared,
		Heap:     env.heap,
		Features: features,
		Faults:   faults,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gateway
}

// input decodes the frame's arguments the way a host would.
func (env *testEnv) input(t *testing.T, frame Frame, args any) {
	t.Helper()
	raw := make([]byte, frame.In.Len)
	if err := env.space.Read(frame.In, raw); err != nil {
		t.Fatalf("reading frame input: %v", err)
	}
	if err := codec.Unmarshal(raw, args); err != nil {
		t.Fatalf("decoding frame input: %v", err)
	}
}

// reply writes data into the frame's output buffer and returns a
// reply describing it.
func (env *testEnv) reply(t *testing.T, frame Frame, data []byte) Reply {
	t.Helper()
	out := region.Span{Addr: frame.Out.Addr, Len: uint64(len(data))}
	if err := env.space.Write(out, data); err != nil {
		t.Fatalf("writing frame output: %v", err)
	}
	return Reply{Status: StatusOK, Result: int64(len(data)), Out: out}
}

func (env *testEnv) checkReleased(t *testing.T) {
	t.Helper()
	if live := env.shared.Stats().LiveBlocks; live != 0 {
		t.Errorf("shared arena holds %d live transfer buffers", live)
	}
	if live := env.heap.Stats().LiveBlocks; live != 0 {
		t.Errorf("enclave heap holds %d live staging blocks", live)
	}
}

func sentinel(n int) []byte {
	return bytes.Repeat([]byte{0xEE}, n)
}

func TestCrossRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	gateway := env.gateway(t, AllFeatures, nil, func(_ context.Context, frame Frame) (Reply, error) {
		if frame.Opcode != OpBlockRead {
			t.Errorf("opcode = %s", frame.Opcode)
		}
		var args IOArgs
		env.input(t, frame, &args)
		if args.Handle != 7 || args.Offset != 4096 {
			t.Errorf("args = %+v", args)
		}
		if env.enclave.Overlaps(frame.In) || env.enclave.Overlaps(frame.Out) {
			t.Error("frame hands the host an enclave span")
		}
		return env.reply(t, frame, []byte("ciphertext")), nil
	})

	dst := make([]byte, 64)
	n, err := gateway.ReadBlock(context.Background(), 7, 4096, dst)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(dst[:n]) != "ciphertext" {
		t.Errorf("ReadBlock = %q", dst[:n])
	}
	env.checkReleased(t)
}

func TestStagedCopyLivesInEnclave(t *testing.T) {
	env := newTestEnv(t)
	var hostView region.Span
	gateway := env.gateway(t, AllFeatures, nil, func(_ context.Context, frame Frame) (Reply, error) {
		hostView = frame.Out
		return env.reply(t, frame, []byte("original")), nil
	})
	request, err := NewRequest(OpFdRead, IOArgs{Handle: 3}, 32, 32)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	staged, _, err := gateway.Cross(context.Background(), request)
	if err != nil {
		t.Fatalf("Cross: %v", err)
	}
	defer staged.Release()

	if !env.enclave.ContainsSlice(staged.Bytes()) {
		t.Error("staged output is not enclave memory")
	}
	// The host rewriting its buffer after the crossing cannot reach
	// the validated copy.
	if err := env.space.Write(region.Span{Addr: hostView.Addr, Len: 8}, []byte("tampered")); err != nil {
		t.Fatalf("host write: %v", err)
	}
	if string(staged.Bytes()) != "original" {
		t.Errorf("staged = %q, want original", staged.Bytes())
	}
}

func TestCrossRejectsHostileSpans(t *testing.T) {
	env := newTestEnv(t)
	secretBlock, err := env.heap.Alloc(64, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(secretBlock.Bytes(), "enclave secret")
	defer env.heap.Free(secretBlock)

	large, err := env.space.Map(2 * heap.PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	goMemory := make([]byte, 16)

	tests := []struct {
		name  string
		reply func(frame Frame) Reply
	}{
		{"enclave span", func(Frame) Reply {
			return Reply{Status: StatusOK, Result: 14, Out: secretBlock.Span()}
		}},
		{"straddles enclave start", func(Frame) Reply {
			return Reply{Status: StatusOK, Result: 16, Out: region.Span{Addr: env.enclave.Base() - 8, Len: 16}}
		}},
		{"unmapped memory", func(Frame) Reply {
			return Reply{Status: StatusOK, Result: 16, Out: region.SpanOf(goMemory)}
		}},
		{"overflowing span", func(Frame) Reply {
			return Reply{Status: StatusOK, Result: 16, Out: region.Span{Addr: ^uint64(0) - 4, Len: 16}}
		}},
		{"oversized response", func(Frame) Reply {
			return Reply{Status: StatusOK, Result: 2 * heap.PageSize, Out: large.Span()}
		}},
		{"count mismatch", func(frame Frame) Reply {
			return Reply{Status: StatusOK, Result: 9, Out: region.Span{Addr: frame.Out.Addr, Len: 4}}
		}},
		{"failure without errno", func(Frame) Reply {
			return Reply{Status: StatusFailed}
		}},
		{"failure with huge errno", func(Frame) Reply {
			return Reply{Status: StatusFailed, Errno: syscall.Errno(1 << 20)}
		}},
		{"failure with output", func(frame Frame) Reply {
			return Reply{Status: StatusFailed, Errno: syscall.EIO, Out: region.Span{Addr: frame.Out.Addr, Len: 4}}
		}},
		{"unknown status", func(Frame) Reply {
			return Reply{Status: 9}
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			gateway := env.gateway(t, AllFeatures, nil, func(_ context.Context, frame Frame) (Reply, error) {
				return test.reply(frame), nil
			})
			dst := sentinel(32)
			_, err := gateway.FdRead(context.Background(), 3, dst)
			if !errors.Is(err, fault.ErrUntrustedResponse) {
				t.Fatalf("FdRead = %v, want ErrUntrustedResponse", err)
			}
			if !bytes.Equal(dst, sentinel(32)) {
				t.Error("destination buffer modified by a rejected crossing")
			}
			if gateway.Stats().Rejected != 1 {
				t.Errorf("Rejected = %d, want 1", gateway.Stats().Rejected)
			}
			if fault.IsRetryable(err) {
				t.Error("untrusted response reported as retryable")
			}
		})
	}
	if string(secretBlock.Bytes()[:14]) != "enclave secret" {
		t.Error("enclave memory modified")
	}
	if live := env.shared.Stats().LiveBlocks; live != 0 {
		t.Errorf("shared arena holds %d live transfer buffers", live)
	}
	if live := env.heap.Stats().LiveBlocks; live != 1 {
		t.Errorf("enclave heap holds %d live blocks, want only the secret", live)
	}
}

func TestHostReportedFailure(t *testing.T) {
	env := newTestEnv(t)
	gateway := env.gateway(t, AllFeatures, nil, func(context.Context, Frame) (Reply, error) {
		return Reply{Status: StatusFailed, Errno: syscall.ENOENT}, nil
	})
	_, err := gateway.OpenFile(context.Background(), "/etc/missing", 0, 0)
	var hostErr *fault.HostError
	if !errors.As(err, &hostErr) {
		t.Fatalf("OpenFile = %v, want *fault.HostError", err)
	}
	if hostErr.Op != OpFileOpen.String() || !errors.Is(err, syscall.ENOENT) {
		t.Errorf("host error = %+v, want %s ENOENT", hostErr, OpFileOpen)
	}
	if errors.Is(err, fault.ErrUntrustedResponse) {
		t.Error("host failure reported as untrusted")
	}
	if gateway.Stats().HostFailures != 1 {
		t.Errorf("HostFailures = %d, want 1", gateway.Stats().HostFailures)
	}
	env.checkReleased(t)
}

func TestFeatureGating(t *testing.T) {
	env := newTestEnv(t)
	gateway := env.gateway(t, FeatureCore|FeatureStdio, nil, func(context.Context, Frame) (Reply, error) {
		return Reply{Status: StatusOK}, nil
	})
	if _, _, err := gateway.Connect(context.Background(), "tcp", "127.0.0.1:1"); !errors.Is(err, ErrFeatureDisabled) {
		t.Errorf("Connect = %v, want ErrFeatureDisabled", err)
	}
	if _, err := gateway.Now(context.Background()); !errors.Is(err, ErrFeatureDisabled) {
		t.Errorf("Now = %v, want ErrFeatureDisabled", err)
	}
	if _, _, err := gateway.CreatePipe(context.Background()); !errors.Is(err, ErrFeatureDisabled) {
		t.Errorf("CreatePipe = %v, want ErrFeatureDisabled", err)
	}
	if env.calls.Load() != 0 {
		t.Errorf("host called %d times for disabled features", env.calls.Load())
	}
	if err := gateway.FdClose(context.Background(), 1); err != nil {
		t.Errorf("FdClose with stdio enabled: %v", err)
	}
}

func TestAbortedGatewayRefusesCrossings(t *testing.T) {
	env := newTestEnv(t)
	handler := fault.NewHandler(fault.HandlerConfig{
		Exit:   func(int) {},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	var reports []AbortArgs
	gateway := env.gateway(t, AllFeatures, handler, func(_ context.Context, frame Frame) (Reply, error) {
		if frame.Opcode == OpAbortReport {
			var args AbortArgs
			env.input(t, frame, &args)
			reports = append(reports, args)
		}
		return Reply{Status: StatusOK}, nil
	})
	handler.SetReporter(gateway)

	if err := gateway.Unpark(context.Background(), 2); err != nil {
		t.Fatalf("Unpark before abort: %v", err)
	}
	handler.Abort(fault.Record{Cause: "test", Kind: fault.KindInvariant})

	if len(reports) != 1 || reports[0].Kind != uint8(fault.KindInvariant) {
		t.Fatalf("reports = %+v, want one invariant report", reports)
	}
	before := env.calls.Load()
	if err := gateway.Unpark(context.Background(), 2); !errors.Is(err, fault.ErrAborted) {
		t.Errorf("Unpark after abort = %v, want ErrAborted", err)
	}
	if err := gateway.ReportAbort(context.Background(), fault.Report{Kind: fault.KindPanic}); err == nil {
		t.Error("second ReportAbort succeeded")
	}
	if env.calls.Load() != before {
		t.Error("host called after abort")
	}
}

func TestAbortReportBypassesSharedArena(t *testing.T) {
	env := newTestEnv(t)
	handler := fault.NewHandler(fault.HandlerConfig{
		Exit:   func(int) {},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	var reports []AbortArgs
	var inputs []region.Span
	gateway := env.gateway(t, AllFeatures, handler, func(_ context.Context, frame Frame) (Reply, error) {
		var args AbortArgs
		env.input(t, frame, &args)
		reports = append(reports, args)
		inputs = append(inputs, frame.In)
		return Reply{Status: StatusOK}, nil
	})
	handler.SetReporter(gateway)

	// Leave the shared arena with no room at all.
	hog, err := env.shared.Alloc(64*heap.PageSize, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer env.shared.Free(hog)

	handler.Abort(fault.Record{Cause: "arena corrupted", Kind: fault.KindInvariant})
	if len(reports) != 1 || reports[0].Kind != uint8(fault.KindInvariant) {
		t.Fatalf("reports = %+v, want one invariant report", reports)
	}
	arena := hog.Span()
	if in := inputs[0]; in.Addr < arena.Addr+arena.Len && arena.Addr < in.Addr+in.Len {
		t.Errorf("abort report input %s was staged in the shared arena %s", in, arena)
	}
	if live := env.shared.Stats().LiveBlocks; live != 1 {
		t.Errorf("shared arena holds %d blocks, want only the test's own", live)
	}
}

func TestOversizedAbortReportSendsKind(t *testing.T) {
	env := newTestEnv(t)
	var reports []AbortArgs
	gateway := env.gateway(t, AllFeatures, nil, func(_ context.Context, frame Frame) (Reply, error) {
		var args AbortArgs
		env.input(t, frame, &args)
		reports = append(reports, args)
		return Reply{Status: StatusOK}, nil
	})
	err := gateway.ReportAbort(context.Background(), fault.Report{
		Kind:   fault.KindExhausted,
		Sealed: make([]byte, abortReserve+1),
	})
	if err != nil {
		t.Fatalf("ReportAbort: %v", err)
	}
	if len(reports) != 1 || reports[0].Kind != uint8(fault.KindExhausted) || len(reports[0].Sealed) != 0 {
		t.Fatalf("reports = %+v, want the kind without a sealed record", reports)
	}
}

func TestAbortReportOnlyThroughReportAbort(t *testing.T) {
	env := newTestEnv(t)
	gateway := env.gateway(t, AllFeatures, nil, func(context.Context, Frame) (Reply, error) {
		return Reply{Status: StatusOK}, nil
	})
	request, err := NewRequest(OpAbortReport, AbortArgs{Kind: 1}, 0, 0)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, _, err := gateway.Cross(context.Background(), request); err == nil {
		t.Error("hand-built abort report crossed")
	}
}

func TestInputMustBeEnclaveMemory(t *testing.T) {
	env := newTestEnv(t)
	gateway := env.gateway(t, AllFeatures, nil, func(context.Context, Frame) (Reply, error) {
		t.Error("host called with untrusted input")
		return Reply{}, nil
	})
	mapping, err := env.space.Map(heap.PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	request := Request{opcode: OpFdClose, input: mapping.Bytes()[:16]}
	if _, _, err := gateway.Cross(context.Background(), request); !errors.Is(err, ErrInputNotEnclave) {
		t.Errorf("Cross = %v, want ErrInputNotEnclave", err)
	}
}

func TestEveryOpcodeHasPredicateAndFeature(t *testing.T) {
	env := newTestEnv(t)
	gateway := env.gateway(t, AllFeatures, nil, nil)
	seen := make(map[Opcode]bool)
	for _, op := range Opcodes() {
		if seen[op] {
			t.Errorf("%s listed twice", op)
		}
		seen[op] = true
		if requires(op) == 0 {
			t.Errorf("%s has no feature", op)
		}
		if err := gateway.check(Request{opcode: op}, Reply{}, nil); errors.Is(err, errNoPredicate) {
			t.Errorf("%s has no validation predicate", op)
		}
	}
	if err := gateway.check(Request{opcode: Opcode(999)}, Reply{}, nil); !errors.Is(err, errNoPredicate) {
		t.Errorf("unknown opcode check = %v, want errNoPredicate", err)
	}
	if err := gateway.admit(Opcode(999)); err == nil {
		t.Error("unknown opcode admitted")
	}
}

func TestOpcodeValuesAreStable(t *testing.T) {
	want := map[Opcode]uint16{
		OpMemMap: 1, OpMemUnmap: 2,
		OpThreadSpawn: 10, OpThreadPark: 11, OpThreadUnpark: 12,
		OpBlockOpen: 20, OpBlockRead: 21, OpBlockWrite: 22, OpBlockSync: 23,
		OpBlockClose: 24, OpBlockSize: 25, OpBlockTruncate: 26,
		OpFdRead: 30, OpFdWrite: 31, OpFdPread: 32, OpFdPwrite: 33,
		OpFdClose: 34, OpFdDup: 35, OpFdIsatty: 36,
		OpPipeCreate:  40,
		OpSockConnect: 50, OpSockListen: 51, OpSockAccept: 52,
		OpSockRead: 53, OpSockWrite: 54, OpSockClose: 55,
		OpFileOpen: 60, OpFileStat: 61,
		OpTimeNow:     70,
		OpAbortReport: 80,
	}
	if len(want) != len(Opcodes()) {
		t.Errorf("catalog has %d opcodes, table has %d", len(Opcodes()), len(want))
	}
	for op, value := range want {
		if uint16(op) != value {
			t.Errorf("%s = %d, want %d", op, uint16(op), value)
		}
	}
}

func TestStructuredPredicates(t *testing.T) {
	env := newTestEnv(t)
	live, err := env.space.Map(heap.PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	encode := func(v any) []byte {
		data, err := codec.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		return data
	}

	tests := []struct {
		name    string
		request Request
		reply   Reply
		out     []byte
		ok      bool
	}{
		{"map live", Request{opcode: OpMemMap, bound: heap.PageSize}, Reply{},
			encode(MemMapResult{Addr: live.Span().Addr, Len: live.Span().Len}), true},
		{"map into enclave", Request{opcode: OpMemMap, bound: heap.PageSize}, Reply{},
			encode(MemMapResult{Addr: env.enclave.Base(), Len: heap.PageSize}), false},
		{"map wrong size", Request{opcode: OpMemMap, bound: 2 * heap.PageSize}, Reply{},
			encode(MemMapResult{Addr: live.Span().Addr, Len: live.Span().Len}), false},
		{"pipe ok", Request{opcode: OpPipeCreate}, Reply{}, encode(PipeResult{Read: 5, Write: 6}), true},
		{"pipe shared handle", Request{opcode: OpPipeCreate}, Reply{}, encode(PipeResult{Read: 5, Write: 5}), false},
		{"pipe negative", Request{opcode: OpPipeCreate}, Reply{}, encode(PipeResult{Read: -1, Write: 5}), false},
		{"pipe garbage", Request{opcode: OpPipeCreate}, Reply{}, []byte{0xff, 0x00}, false},
		{"write within bound", Request{opcode: OpFdWrite, bound: 10}, Reply{Result: 4}, nil, true},
		{"write above bound", Request{opcode: OpFdWrite, bound: 10}, Reply{Result: 11}, nil, false},
		{"block write short", Request{opcode: OpBlockWrite, bound: 10}, Reply{Result: 9}, nil, false},
		{"size above bound", Request{opcode: OpBlockSize, bound: 1 << 20}, Reply{Result: 1<<20 + 1}, nil, false},
		{"handle too large", Request{opcode: OpFileOpen}, Reply{Result: MaxHandle + 1}, nil, false},
		{"park bogus", Request{opcode: OpThreadPark}, Reply{Result: 2}, nil, false},
		{"spawn zero tid", Request{opcode: OpThreadSpawn}, Reply{Result: 0}, nil, false},
		{"time zero", Request{opcode: OpTimeNow}, Reply{Result: 0}, nil, false},
		{"close with result", Request{opcode: OpFdClose}, Reply{Result: 3}, nil, false},
		{"accept with address", Request{opcode: OpSockAccept}, Reply{Result: 9},
			encode(Addr{Network: "tcp", Address: "10.0.0.1:80"}), true},
		{"accept with garbage address", Request{opcode: OpSockAccept}, Reply{Result: 9}, []byte{0x5f}, false},
	}
	gateway := env.gateway(t, AllFeatures, nil, nil)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := gateway.check(test.request, test.reply, test.out)
			if (err == nil) != test.ok {
				t.Errorf("check = %v, want ok=%v", err, test.ok)
			}
		})
	}
}

func TestReleasedOnEveryPath(t *testing.T) {
	env := newTestEnv(t)
	mode := 0
	gateway := env.gateway(t, AllFeatures, nil, func(_ context.Context, frame Frame) (Reply, error) {
		switch mode {
		case 0:
			return env.reply(t, frame, []byte("ok")), nil
		case 1:
			return Reply{Status: StatusFailed, Errno: syscall.EPIPE}, nil
		case 2:
			return Reply{Status: StatusOK, Result: 1, Out: region.Span{Addr: frame.Out.Addr, Len: 2}}, nil
		default:
			return Reply{}, errors.New("transport down")
		}
	})
	for mode = 0; mode < 4; mode++ {
		for range 50 {
			gateway.SockRead(context.Background(), 4, make([]byte, 100))
		}
	}
	env.checkReleased(t)
}

func TestParseFeatures(t *testing.T) {
	features, err := ParseFeatures([]string{"net", "thread"})
	if err != nil {
		t.Fatalf("ParseFeatures: %v", err)
	}
	if !features.Has(FeatureCore|FeatureNet|FeatureThread) || features.Has(FeaturePipe) {
		t.Errorf("features = %s", features)
	}
	if features.String() != "core,thread,net" {
		t.Errorf("String() = %q", features.String())
	}
	if _, err := ParseFeatures([]string{"gpu"}); err == nil {
		t.Error("unknown feature accepted")
	}
}
