// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"fmt"
	"unsafe"
)

// Span is an address range [Addr, Addr+Len) as it crosses the
// boundary. Host-supplied spans are arbitrary values until checked.
type Span struct {
	Addr uint64
	Len  uint64
}

// End returns Addr+Len and false if the addition overflows.
func (s Span) End() (uint64, bool) {
	end := s.Addr + s.Len
	if end < s.Addr {
		return 0, false
	}
	return end, true
}

func (s Span) String() string {
	return fmt.Sprintf("[%#x+%d]", s.Addr, s.Len)
}

// SpanOf returns the span covering b. An empty slice yields a zero
// span.
func SpanOf(b []byte) Span {
	if len(b) == 0 {
		return Span{}
	}
	return Span{Addr: uint64(uintptr(unsafe.Pointer(&b[0]))), Len: uint64(len(b))}
}

// within reports whether s lies entirely in [base, base+size).
func within(s Span, base, size uint64) bool {
	end, ok := s.End()
	if !ok {
		return false
	}
	return s.Addr >= base && end <= base+size
}

// overlaps reports whether s shares any byte with [base, base+size).
// An overflowing span overlaps everything.
func overlaps(s Span, base, size uint64) bool {
	if s.Len == 0 {
		return false
	}
	end, ok := s.End()
	if !ok {
		return true
	}
	return s.Addr < base+size && end > base
}
