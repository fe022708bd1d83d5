// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrNotMapped reports a span that does not lie entirely inside one
// live untrusted mapping.
var ErrNotMapped = errors.New("span not inside a live untrusted mapping")

// Mapping is one untrusted anonymous mapping.
type Mapping struct {
	span   Span
	mem    []byte
	pinned bool
}

// Span returns the mapping's address range.
func (m *Mapping) Span() Span { return m.span }

// Bytes returns the mapping memory. Only the owner of the mapping (the
// shared arena allocator) uses it directly; everyone else goes through
// the Space.
func (m *Mapping) Bytes() []byte { return m.mem }

// Space is the registry of untrusted mappings. Memory access through
// a Space holds its read lock, so a concurrent Unmap cannot pull a
// mapping out from under a copy.
type Space struct {
	enclave *Region

	mu       sync.RWMutex
	mappings []*Mapping // sorted by address
}

// NewSpace creates an empty space paired with the enclave region. A
// nil region pairs with nothing (host-only tests).
func NewSpace(enclave *Region) *Space {
	return &Space{enclave: enclave}
}

// Map creates and registers a new untrusted mapping.
func (s *Space) Map(size int) (*Mapping, error) {
	return s.mapAnonymous(size, false)
}

// MapPinned creates a mapping that Unmap refuses to remove. The shared
// transfer arena lives in one: the enclave writes into it directly and
// the host must not be able to pull it away.
func (s *Space) MapPinned(size int) (*Mapping, error) {
	return s.mapAnonymous(size, true)
}

func (s *Space) mapAnonymous(size int, pinned bool) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mapping size must be positive, got %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping untrusted memory: %w", err)
	}
	mapping := &Mapping{span: SpanOf(mem), mem: mem, pinned: pinned}
	if err := s.register(mapping); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return mapping, nil
}

func (s *Space) register(mapping *Mapping) error {
	if s.enclave != nil && s.enclave.Overlaps(mapping.span) {
		return fmt.Errorf("untrusted mapping %s overlaps the enclave region", mapping.span)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index := sort.Search(len(s.mappings), func(i int) bool { return s.mappings[i].span.Addr >= mapping.span.Addr })
	s.mappings = append(s.mappings, nil)
	copy(s.mappings[index+1:], s.mappings[index:])
	s.mappings[index] = mapping
	return nil
}

// Unmap removes and unmaps the mapping that starts at addr.
func (s *Space) Unmap(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := sort.Search(len(s.mappings), func(i int) bool { return s.mappings[i].span.Addr >= addr })
	if index == len(s.mappings) || s.mappings[index].span.Addr != addr {
		return fmt.Errorf("unmapping %#x: %w", addr, ErrNotMapped)
	}
	mapping := s.mappings[index]
	if mapping.pinned {
		return fmt.Errorf("unmapping %s: mapping is pinned", mapping.span)
	}
	s.mappings = append(s.mappings[:index], s.mappings[index+1:]...)
	if err := unix.Munmap(mapping.mem); err != nil {
		return fmt.Errorf("unmapping %s: %w", mapping.span, err)
	}
	mapping.mem = nil
	return nil
}

// find returns the mapping containing span and the span's offset in
// it. Caller holds mu.
func (s *Space) find(span Span) (*Mapping, uint64, bool) {
	if _, ok := span.End(); !ok {
		return nil, 0, false
	}
	index := sort.Search(len(s.mappings), func(i int) bool { return s.mappings[i].span.Addr > span.Addr })
	if index == 0 {
		return nil, 0, false
	}
	mapping := s.mappings[index-1]
	if !within(span, mapping.span.Addr, mapping.span.Len) {
		return nil, 0, false
	}
	return mapping, span.Addr - mapping.span.Addr, true
}

// Contains reports whether span lies entirely inside one live mapping.
func (s *Space) Contains(span Span) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, _, ok := s.find(span)
	return ok
}

// Overlaps reports whether span shares any byte with a live mapping.
func (s *Space) Overlaps(span Span) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, mapping := range s.mappings {
		if overlaps(span, mapping.span.Addr, mapping.span.Len) {
			return true
		}
	}
	return false
}

// View calls fn with the bytes of span while holding the space's read
// lock. fn must not retain the slice. A zero-length span calls fn with
// nil.
func (s *Space) View(span Span, fn func([]byte) error) error {
	if span.Len == 0 {
		return fn(nil)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	mapping, offset, ok := s.find(span)
	if !ok {
		return fmt.Errorf("resolving %s: %w", span, ErrNotMapped)
	}
	return fn(mapping.mem[offset : offset+span.Len])
}

// Read copies the bytes of span into dst, which must be exactly
// span.Len bytes.
func (s *Space) Read(span Span, dst []byte) error {
	if uint64(len(dst)) != span.Len {
		return fmt.Errorf("reading %s into %d bytes", span, len(dst))
	}
	return s.View(span, func(src []byte) error {
		copy(dst, src)
		return nil
	})
}

// Write copies src into span, which must be exactly len(src) bytes.
func (s *Space) Write(span Span, src []byte) error {
	if uint64(len(src)) != span.Len {
		return fmt.Errorf("writing %d bytes into %s", len(src), span)
	}
	return s.View(span, func(dst []byte) error {
		copy(dst, src)
		return nil
	})
}

// Close unmaps every mapping.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, mapping := range s.mappings {
		if err := unix.Munmap(mapping.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmapping %s: %w", mapping.span, err)
		}
		mapping.mem = nil
	}
	s.mappings = nil
	return firstErr
}
