// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Options configures [Reserve].
type Options struct {
	// RequireLock fails Reserve when the kernel refuses mlock
	// (typically RLIMIT_MEMLOCK). When false the region is used
	// unlocked and [Region.Locked] reports it.
	RequireLock bool
}

// Region is the enclave-private address range. Its bounds never change
// after Reserve.
type Region struct {
	mem    []byte
	base   uint64
	size   uint64
	locked bool

	releaseOnce sync.Once
	releaseErr  error
}

// Reserve maps size bytes of anonymous memory as the enclave region.
func Reserve(size int, options Options) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size must be positive, got %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping enclave region: %w", err)
	}

	locked := true
	if err := unix.Mlock(mem); err != nil {
		if options.RequireLock || !(errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EPERM)) {
			unix.Munmap(mem)
			return nil, fmt.Errorf("locking enclave region: %w", err)
		}
		locked = false
	}

	if err := unix.Madvise(mem, unix.MADV_DONTDUMP); err != nil {
		if locked {
			unix.Munlock(mem)
		}
		unix.Munmap(mem)
		return nil, fmt.Errorf("excluding enclave region from core dumps: %w", err)
	}

	span := SpanOf(mem)
	return &Region{mem: mem, base: span.Addr, size: span.Len, locked: locked}, nil
}

// Base returns the first address of the region.
func (r *Region) Base() uint64 { return r.base }

// Len returns the region size in bytes.
func (r *Region) Len() int { return int(r.size) }

// Span returns the region as a span.
func (r *Region) Span() Span { return Span{Addr: r.base, Len: r.size} }

// Locked reports whether the region is mlocked.
func (r *Region) Locked() bool { return r.locked }

// Bytes returns the region memory. Only the enclave heap carves it.
func (r *Region) Bytes() []byte { return r.mem }

// Contains reports whether s lies entirely inside the region.
func (r *Region) Contains(s Span) bool {
	return within(s, r.base, r.size)
}

// Overlaps reports whether s shares any byte with the region. Spans
// whose end overflows count as overlapping.
func (r *Region) Overlaps(s Span) bool {
	return overlaps(s, r.base, r.size)
}

// ContainsSlice reports whether b lies entirely inside the region.
func (r *Region) ContainsSlice(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return r.Contains(SpanOf(b))
}

// Release zeroes, unlocks and unmaps the region. Idempotent.
func (r *Region) Release() error {
	r.releaseOnce.Do(func() {
		clear(r.mem)
		if r.locked {
			if err := unix.Munlock(r.mem); err != nil {
				r.releaseErr = fmt.Errorf("unlocking enclave region: %w", err)
			}
		}
		if err := unix.Munmap(r.mem); err != nil && r.releaseErr == nil {
			r.releaseErr = fmt.Errorf("unmapping enclave region: %w", err)
		}
		r.mem = nil
	})
	return r.releaseErr
}
