// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package heap

import "fmt"

// span is one page of the arena.
type span struct {
	index   int
	bitmask uint64 // bit i covers granule i

	// runPages is the length of a multi-page allocation headed by
	// this span, -1 for a span inside such a run, 0 otherwise.
	runPages int

	list       *spanList
	prev, next *span
}

// spanList is an intrusive doubly linked list of spans.
type spanList struct {
	head, tail *span
	length     int
}

// push and remove report a span in the wrong state as an error rather
// than raising it: the caller holds the allocator lock, and the abort
// that follows must be able to run without it.
func (l *spanList) push(s *span) error {
	if s.list != nil {
		return fmt.Errorf("span %d is already on a list", s.index)
	}
	s.list = l
	s.prev = l.tail
	s.next = nil
	if l.tail == nil {
		l.head = s
	} else {
		l.tail.next = s
	}
	l.tail = s
	l.length++
	return nil
}

func (l *spanList) remove(s *span) error {
	if s.list != l {
		return fmt.Errorf("span %d is not on the expected list", s.index)
	}
	if s.prev == nil {
		l.head = s.next
	} else {
		s.prev.next = s.next
	}
	if s.next == nil {
		l.tail = s.prev
	} else {
		s.next.prev = s.prev
	}
	s.prev, s.next, s.list = nil, nil, nil
	l.length--
	return nil
}

// move takes s off from and puts it on to.
func move(s *span, from, to *spanList) error {
	if err := from.remove(s); err != nil {
		return err
	}
	return to.push(s)
}
