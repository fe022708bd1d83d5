// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package heap

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/region"
	"github.com/bureau-foundation/enclave/lib/spinlock"
)

const (
	// PageSize is the span size and the largest supported alignment.
	PageSize = 4096

	// Granule is the allocation unit inside a span.
	Granule = 64

	granulesPerSpan = PageSize / Granule
	emptyMask       = uint64(0)
	fullMask        = ^uint64(0)
)

// ErrInvalidArgument reports a non-positive size or an unsupported
// alignment.
var ErrInvalidArgument = errors.New("invalid allocation argument")

// errNoSpace is allocLocked's report of an arena with no room left.
var errNoSpace = errors.New("no free span")

// Stats is a snapshot of allocator usage.
type Stats struct {
	ArenaBytes int
	InUseBytes int
	LiveBlocks int
	FreeSpans  int
	FullSpans  int
	Allocs     uint64
	Frees      uint64
}

// Allocator hands out blocks from a fixed arena. Safe for concurrent
// use.
type Allocator struct {
	name  string
	arena []byte
	base  uint64

	lock  spinlock.Lock
	spans []span
	free  spanList
	full  spanList
	live  map[int]*Block
	inUse int

	allocs uint64
	frees  uint64
}

// New builds an allocator over arena. The arena must be page aligned
// and a whole number of pages long.
func New(name string, arena []byte) (*Allocator, error) {
	if len(arena) == 0 || len(arena)%PageSize != 0 {
		return nil, fmt.Errorf("%s heap: arena length %d is not a positive multiple of %d", name, len(arena), PageSize)
	}
	base := region.SpanOf(arena).Addr
	if base%PageSize != 0 {
		return nil, fmt.Errorf("%s heap: arena base %#x is not page aligned", name, base)
	}

	allocator := &Allocator{
		name:  name,
		arena: arena,
		base:  base,
		spans: make([]span, len(arena)/PageSize),
		live:  make(map[int]*Block),
	}
	for index := range allocator.spans {
		allocator.spans[index].index = index
		if err := allocator.free.push(&allocator.spans[index]); err != nil {
			return nil, fmt.Errorf("%s heap: %w", name, err)
		}
	}
	return allocator, nil
}

// NewEnclave builds the enclave heap over the whole enclave region.
func NewEnclave(enclave *region.Region) (*Allocator, error) {
	arena := enclave.Bytes()
	if !enclave.ContainsSlice(arena) {
		return nil, fmt.Errorf("enclave heap: arena lies outside the enclave region")
	}
	return New("enclave", arena)
}

// NewShared builds the transfer-buffer allocator over an untrusted
// mapping.
func NewShared(mapping *region.Mapping) (*Allocator, error) {
	return New("shared", mapping.Bytes())
}

// Alloc returns a zeroed block of size bytes whose address is a
// multiple of align. align must be a power of two no larger than
// [PageSize].
func (a *Allocator) Alloc(size, align int) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%s heap: size %d: %w", a.name, size, ErrInvalidArgument)
	}
	if align <= 0 || align&(align-1) != 0 || align > PageSize {
		return nil, fmt.Errorf("%s heap: alignment %d: %w", a.name, align, ErrInvalidArgument)
	}

	a.lock.Lock()
	offset, granted, err := a.allocLocked(size, align)
	if err != nil {
		a.lock.Unlock()
		if errors.Is(err, errNoSpace) {
			return nil, fmt.Errorf("%s heap: allocating %d bytes: %w", a.name, size, fault.ErrResourceExhausted)
		}
		fault.Violate("%s heap: %v", a.name, err)
		return nil, err
	}
	block := &Block{owner: a, offset: offset, size: size, granted: granted}
	a.live[offset] = block
	a.inUse += granted
	a.allocs++
	a.lock.Unlock()

	clear(a.arena[offset : offset+granted])
	return block, nil
}

// MustAlloc is Alloc for call sites that cannot handle failure.
// Exhaustion aborts the enclave.
func (a *Allocator) MustAlloc(size, align int) *Block {
	block, err := a.Alloc(size, align)
	if err != nil {
		if errors.Is(err, fault.ErrResourceExhausted) {
			fault.Exhausted("%v", err)
		}
		fault.Violate("%v", err)
	}
	return block
}

// allocLocked returns errNoSpace when nothing fits, and any other
// error when the span lists are corrupt. Caller holds lock.
func (a *Allocator) allocLocked(size, align int) (offset, granted int, err error) {
	if size > PageSize {
		pages := (size + PageSize - 1) / PageSize
		first, ok := a.findRun(pages)
		if !ok {
			return 0, 0, errNoSpace
		}
		for index := first; index < first+pages; index++ {
			current := &a.spans[index]
			if err := move(current, &a.free, &a.full); err != nil {
				return 0, 0, err
			}
			current.bitmask = fullMask
			current.runPages = -1
		}
		a.spans[first].runPages = pages
		return first * PageSize, pages * PageSize, nil
	}

	granules := (size + Granule - 1) / Granule
	step := max(align/Granule, 1)
	window := windowMask(granules)
	for current := a.free.head; current != nil; current = current.next {
		if granulesPerSpan-bits.OnesCount64(current.bitmask) < granules {
			continue
		}
		for index := 0; index+granules <= granulesPerSpan; index += step {
			if current.bitmask&(window<<index) != 0 {
				continue
			}
			current.bitmask |= window << index
			if current.bitmask == fullMask {
				if err := move(current, &a.free, &a.full); err != nil {
					return 0, 0, err
				}
			}
			return current.index*PageSize + index*Granule, granules * Granule, nil
		}
	}
	return 0, 0, errNoSpace
}

// findRun returns the first index of pages consecutive empty spans.
func (a *Allocator) findRun(pages int) (int, bool) {
	run := 0
	for index := range a.spans {
		if a.spans[index].bitmask == emptyMask {
			run++
			if run == pages {
				return index - pages + 1, true
			}
			continue
		}
		run = 0
	}
	return 0, false
}

// Free returns block to the allocator. Freeing a block twice, or a
// block from another allocator, is an invariant violation.
func (a *Allocator) Free(block *Block) {
	if block == nil {
		return
	}
	if block.owner != a {
		fault.Violate("%s heap: free of a block owned by another allocator", a.name)
	}

	a.lock.Lock()
	if a.live[block.offset] != block {
		a.lock.Unlock()
		fault.Violate("%s heap: double free of block at offset %d", a.name, block.offset)
		return
	}
	delete(a.live, block.offset)
	block.freed.Store(true)
	clear(a.arena[block.offset : block.offset+block.granted])

	if block.granted > PageSize {
		first := block.offset / PageSize
		pages := block.granted / PageSize
		if a.spans[first].runPages != pages {
			a.lock.Unlock()
			fault.Violate("%s heap: span run at %d is %d pages, block claims %d", a.name, first, a.spans[first].runPages, pages)
			return
		}
		for index := first; index < first+pages; index++ {
			current := &a.spans[index]
			current.bitmask = emptyMask
			current.runPages = 0
			if err := move(current, &a.full, &a.free); err != nil {
				a.lock.Unlock()
				fault.Violate("%s heap: %v", a.name, err)
				return
			}
		}
	} else {
		current := &a.spans[block.offset/PageSize]
		index := (block.offset % PageSize) / Granule
		occupied := windowMask(block.granted/Granule) << index
		if current.bitmask&occupied != occupied {
			a.lock.Unlock()
			fault.Violate("%s heap: bitmask %#x does not cover freed granules %#x", a.name, current.bitmask, occupied)
			return
		}
		wasFull := current.bitmask == fullMask
		current.bitmask &^= occupied
		if wasFull {
			if err := move(current, &a.full, &a.free); err != nil {
				a.lock.Unlock()
				fault.Violate("%s heap: %v", a.name, err)
				return
			}
		}
	}
	a.inUse -= block.granted
	a.frees++
	a.lock.Unlock()
}

// Owns reports whether b lies inside this allocator's arena.
func (a *Allocator) Owns(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	span := region.SpanOf(b)
	end, ok := span.End()
	return ok && span.Addr >= a.base && end <= a.base+uint64(len(a.arena))
}

// Stats returns a usage snapshot.
func (a *Allocator) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	return Stats{
		ArenaBytes: len(a.arena),
		InUseBytes: a.inUse,
		LiveBlocks: len(a.live),
		FreeSpans:  a.free.length,
		FullSpans:  a.full.length,
		Allocs:     a.allocs,
		Frees:      a.frees,
	}
}

func windowMask(granules int) uint64 {
	if granules >= granulesPerSpan {
		return fullMask
	}
	return uint64(1)<<granules - 1
}

// Block is a live allocation. Its memory is valid until Free.
type Block struct {
	owner   *Allocator
	offset  int
	size    int
	granted int
	freed   atomic.Bool
}

// Bytes returns the block memory, exactly Len bytes. Touching a freed
// block is an invariant violation.
func (b *Block) Bytes() []byte {
	if b.freed.Load() {
		fault.Violate("%s heap: use of freed block at offset %d", b.owner.name, b.offset)
	}
	end := b.offset + b.size
	return b.owner.arena[b.offset:end:end]
}

// Len returns the requested size.
func (b *Block) Len() int { return b.size }

// Addr returns the block's address.
func (b *Block) Addr() uint64 { return b.owner.base + uint64(b.offset) }

// Span returns the block's address range.
func (b *Block) Span() region.Span {
	return region.Span{Addr: b.Addr(), Len: uint64(b.size)}
}
