// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pfs

import "slices"

// dirtyBlock is one block a handle has written but not committed.
// Only the bytes inside spans belong to the handle; everything else in
// data is meaningless and is taken from the committed block when the
// handle reads or commits, so handles writing disjoint bytes of one
// block do not overwrite each other.
type dirtyBlock struct {
	data  []byte
	spans []span
}

// span is a half-open byte range within a block.
type span struct {
	start, end int
}

func newDirtyBlock(blockSize int) *dirtyBlock {
	return &dirtyBlock{data: make([]byte, blockSize)}
}

// write copies p into the block at within and returns the count
// copied.
func (d *dirtyBlock) write(within int, p []byte) int {
	n := copy(d.data[within:], p)
	d.mark(within, within+n)
	return n
}

// mark records [start, end) as written, keeping spans sorted and
// disjoint.
func (d *dirtyBlock) mark(start, end int) {
	if start >= end {
		return
	}
	d.spans = append(d.spans, span{start, end})
	slices.SortFunc(d.spans, func(a, b span) int { return a.start - b.start })
	merged := d.spans[:1]
	for _, s := range d.spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			last.end = max(last.end, s.end)
			continue
		}
		merged = append(merged, s)
	}
	d.spans = merged
}

// full reports whether the handle wrote every byte of the block.
func (d *dirtyBlock) full() bool {
	return len(d.spans) == 1 && d.spans[0].start == 0 && d.spans[0].end == len(d.data)
}

// overlay copies the written bytes onto dst.
func (d *dirtyBlock) overlay(dst []byte) {
	for _, s := range d.spans {
		copy(dst[s.start:s.end], d.data[s.start:s.end])
	}
}

// trim forgets writes at or past limit.
func (d *dirtyBlock) trim(limit int) {
	kept := d.spans[:0]
	for _, s := range d.spans {
		if s.start >= limit {
			continue
		}
		s.end = min(s.end, limit)
		kept = append(kept, s)
	}
	d.spans = kept
	clear(d.data[limit:])
}
