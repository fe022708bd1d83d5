// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package heap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/region"
	"github.com/bureau-foundation/enclave/lib/testutil"
)

func newAllocator(t *testing.T, pages int) (*Allocator, *region.Region) {
	t.Helper()
	enclave, err := region.Reserve(pages*PageSize, region.Options{})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	t.Cleanup(func() { enclave.Release() })
	allocator, err := NewEnclave(enclave)
	if err != nil {
		t.Fatalf("NewEnclave: %v", err)
	}
	return allocator, enclave
}

func expectViolation(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*fault.Violation); !ok {
			t.Errorf("%s: expected *fault.Violation", what)
		}
	}()
	fn()
}

func TestAllocZeroedAndAligned(t *testing.T) {
	allocator, enclave := newAllocator(t, 16)
	for _, align := range []int{1, 8, 64, 128, 512, 4096} {
		for _, size := range []int{1, 63, 64, 65, 1000, 4096, 5000} {
			block, err := allocator.Alloc(size, align)
			if err != nil {
				t.Fatalf("Alloc(%d, %d): %v", size, align, err)
			}
			if block.Addr()%uint64(align) != 0 {
				t.Errorf("Alloc(%d, %d) addr %#x not aligned", size, align, block.Addr())
			}
			if block.Len() != size || len(block.Bytes()) != size {
				t.Errorf("Alloc(%d, %d) length = %d", size, align, len(block.Bytes()))
			}
			if !enclave.Contains(block.Span()) {
				t.Errorf("block %s outside enclave region", block.Span())
			}
			for index, value := range block.Bytes() {
				if value != 0 {
					t.Fatalf("byte %d = %d, want zeroed memory", index, value)
				}
			}
			for index := range block.Bytes() {
				block.Bytes()[index] = 0xAA
			}
			allocator.Free(block)
		}
	}
	if stats := allocator.Stats(); stats.LiveBlocks != 0 || stats.InUseBytes != 0 || stats.FreeSpans != 16 {
		t.Errorf("Stats after freeing everything = %+v", stats)
	}
}

func TestAllocArguments(t *testing.T) {
	allocator, _ := newAllocator(t, 1)
	for _, test := range []struct{ size, align int }{{0, 8}, {-1, 8}, {8, 0}, {8, 3}, {8, 8192}} {
		if _, err := allocator.Alloc(test.size, test.align); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Alloc(%d, %d) = %v, want ErrInvalidArgument", test.size, test.align, err)
		}
	}
}

func TestExhaustion(t *testing.T) {
	allocator, _ := newAllocator(t, 4)

	whole, err := allocator.Alloc(4*PageSize, 8)
	if err != nil {
		t.Fatalf("Alloc(whole arena): %v", err)
	}
	if _, err := allocator.Alloc(1, 1); !errors.Is(err, fault.ErrResourceExhausted) {
		t.Errorf("Alloc on full arena = %v, want ErrResourceExhausted", err)
	}
	allocator.Free(whole)

	// Fragment: one granule in every span leaves no two-page run.
	var pins []*Block
	for range 4 {
		block, err := allocator.Alloc(PageSize-Granule, 1)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		pins = append(pins, block)
	}
	if _, err := allocator.Alloc(2*PageSize, 1); !errors.Is(err, fault.ErrResourceExhausted) {
		t.Errorf("Alloc(2 pages) on fragmented arena = %v, want ErrResourceExhausted", err)
	}
	if _, err := allocator.Alloc(2*Granule, 1); !errors.Is(err, fault.ErrResourceExhausted) {
		t.Errorf("Alloc(2 granules) with one free granule per span = %v, want ErrResourceExhausted", err)
	}
	small, err := allocator.Alloc(Granule, 1)
	if err != nil {
		t.Fatalf("Alloc(1 granule): %v", err)
	}
	allocator.Free(small)
	for _, block := range pins {
		allocator.Free(block)
	}
}

func TestMustAllocAbortsOnExhaustion(t *testing.T) {
	allocator, _ := newAllocator(t, 1)
	defer func() {
		violation, ok := recover().(*fault.Violation)
		if !ok || violation.Record.Kind != fault.KindExhausted {
			t.Errorf("recovered %v, want exhausted violation", violation)
		}
	}()
	allocator.MustAlloc(2*PageSize, 1)
}

func TestFreeViolations(t *testing.T) {
	allocator, _ := newAllocator(t, 2)
	other, _ := newAllocator(t, 2)

	block, err := allocator.Alloc(100, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	allocator.Free(block)
	expectViolation(t, "double free", func() { allocator.Free(block) })
	expectViolation(t, "use after free", func() { _ = block.Bytes() })

	// The same granules handed out again must not be freeable through
	// the stale handle.
	again, err := allocator.Alloc(100, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	expectViolation(t, "stale double free", func() { allocator.Free(block) })

	foreign, err := other.Alloc(100, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	expectViolation(t, "foreign free", func() { allocator.Free(foreign) })

	allocator.Free(again)
	other.Free(foreign)
}

type liveBlock struct {
	block *Block
	tag   byte
}

func checkNoOverlap(t *testing.T, live []liveBlock) {
	t.Helper()
	sorted := append([]liveBlock(nil), live...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].block.Addr() < sorted[j].block.Addr() })
	for index := 1; index < len(sorted); index++ {
		previous := sorted[index-1].block
		if previous.Addr()+uint64(previous.Len()) > sorted[index].block.Addr() {
			t.Fatalf("blocks %s and %s overlap", previous.Span(), sorted[index].block.Span())
		}
	}
	for _, entry := range live {
		for _, value := range entry.block.Bytes() {
			if value != entry.tag {
				t.Fatalf("block %s corrupted: found %#x, want %#x", entry.block.Span(), value, entry.tag)
			}
		}
	}
}

func TestCorruptSpanListReleasesLock(t *testing.T) {
	allocator, _ := newAllocator(t, 4)
	// Span 1 claims to be on the full list while it sits on the free
	// list; a two-page run starting at span 0 trips over it.
	allocator.spans[1].list = &allocator.full
	expectViolation(t, "alloc across a corrupt span", func() { allocator.Alloc(2*PageSize, 8) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		allocator.Stats()
	}()
	testutil.RequireClosed(t, done, 5*time.Second, "allocator lock after the violation")
}

// reporterFunc adapts a function to fault.Reporter.
type reporterFunc func(ctx context.Context, report fault.Report) error

func (f reporterFunc) ReportAbort(ctx context.Context, report fault.Report) error {
	return f(ctx, report)
}

func TestCorruptionAbortReachesExit(t *testing.T) {
	allocator, _ := newAllocator(t, 8)
	exits := make(chan int, 1)
	handler := fault.NewHandler(fault.HandlerConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Exit:   func(code int) { exits <- code },
	})
	// The reporter touches the allocator that raised the violation, as
	// a report staged through the same arena would.
	handler.SetReporter(reporterFunc(func(context.Context, fault.Report) error {
		block, err := allocator.Alloc(64, 8)
		if err != nil {
			return err
		}
		allocator.Free(block)
		return nil
	}))
	if err := fault.Install(handler); err != nil {
		t.Fatalf("Install: %v", err)
	}
	t.Cleanup(func() { fault.Uninstall(handler) })

	allocator.spans[1].list = &allocator.full
	go func() {
		defer func() { recover() }()
		allocator.Alloc(2*PageSize, 8)
	}()
	if code := testutil.RequireReceive(t, exits, 5*time.Second, "abort exit"); code != fault.AbortExitCode {
		t.Errorf("exit code = %d, want %d", code, fault.AbortExitCode)
	}
}

func TestNoOverlappingLiveBlocks(t *testing.T) {
	allocator, _ := newAllocator(t, 64)
	random := rand.New(rand.NewPCG(1, 2))

	var live []liveBlock
	for step := range 4000 {
		if len(live) > 0 && random.IntN(3) == 0 {
			victim := random.IntN(len(live))
			allocator.Free(live[victim].block)
			live = append(live[:victim], live[victim+1:]...)
			continue
		}
		size := 1 + random.IntN(3*PageSize)
		align := 1 << random.IntN(13)
		block, err := allocator.Alloc(size, align)
		if errors.Is(err, fault.ErrResourceExhausted) {
			continue
		}
		if err != nil {
			t.Fatalf("Alloc(%d, %d): %v", size, align, err)
		}
		tag := byte(step%255 + 1)
		for index := range block.Bytes() {
			block.Bytes()[index] = tag
		}
		live = append(live, liveBlock{block: block, tag: tag})
		if step%100 == 0 {
			checkNoOverlap(t, live)
		}
	}
	checkNoOverlap(t, live)

	stats := allocator.Stats()
	if stats.LiveBlocks != len(live) {
		t.Errorf("LiveBlocks = %d, want %d", stats.LiveBlocks, len(live))
	}
	for _, entry := range live {
		allocator.Free(entry.block)
	}
	if stats := allocator.Stats(); stats.InUseBytes != 0 || stats.FullSpans != 0 {
		t.Errorf("Stats after freeing everything = %+v", stats)
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	allocator, _ := newAllocator(t, 128)
	const workers = 8

	var wg sync.WaitGroup
	for worker := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tag := byte(worker + 1)
			random := rand.New(rand.NewPCG(uint64(worker), 7))
			var mine []*Block
			for range 2000 {
				if len(mine) > 8 || (len(mine) > 0 && random.IntN(2) == 0) {
					block := mine[0]
					mine = mine[1:]
					for _, value := range block.Bytes() {
						if value != tag {
							t.Errorf("worker %d: block %s overwritten by %#x", worker, block.Span(), value)
							return
						}
					}
					allocator.Free(block)
					continue
				}
				block, err := allocator.Alloc(1+random.IntN(2*PageSize), 64)
				if err != nil {
					continue
				}
				for index := range block.Bytes() {
					block.Bytes()[index] = tag
				}
				mine = append(mine, block)
			}
			for _, block := range mine {
				allocator.Free(block)
			}
		}()
	}
	wg.Wait()
	if stats := allocator.Stats(); stats.LiveBlocks != 0 {
		t.Errorf("LiveBlocks = %d after all workers freed", stats.LiveBlocks)
	}
}

func TestNewRejectsBadArena(t *testing.T) {
	enclave, err := region.Reserve(3*PageSize, region.Options{})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer enclave.Release()

	if _, err := New("test", enclave.Bytes()[:PageSize+10]); err == nil {
		t.Error("New accepted an arena that is not a page multiple")
	}
	if _, err := New("test", enclave.Bytes()[64:64+PageSize]); err == nil {
		t.Error("New accepted a misaligned arena")
	}
}

func TestOwns(t *testing.T) {
	allocator, _ := newAllocator(t, 2)
	block, err := allocator.Alloc(10, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer allocator.Free(block)
	if !allocator.Owns(block.Bytes()) {
		t.Error("Owns(block) = false")
	}
	if allocator.Owns(make([]byte, 10)) {
		t.Error("Owns(Go heap slice) = true")
	}
}
