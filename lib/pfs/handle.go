// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pfs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/enclave/lib/seal"
)

var errNegativeOffset = errors.New("negative offset")

// File is a handle on a protected file. It owns its dirty set and
// cursor and must not be used by more than one thread at a time.
type File struct {
	file     *file
	writable bool
	closed   bool
	cursor   int64

	// dirty holds the bytes written through this handle and not yet
	// committed, by block; extent is the end of the furthest write.
	dirty  map[int64]*dirtyBlock
	extent int64
}

// Name returns the file's name.
func (h *File) Name() string { return h.file.name }

// lock takes the file lock and checks the handle and the file are
// usable.
func (h *File) lock(ctx context.Context) error {
	if h.closed {
		return ErrClosed
	}
	if err := h.file.lock.Lock(ctx); err != nil {
		return err
	}
	if h.file.failed != nil {
		h.file.unlock(ctx)
		return h.file.failed
	}
	return nil
}

// size is the logical size this handle observes. Caller holds lock.
func (h *File) size() int64 {
	return max(h.file.size, h.extent)
}

// ReadAt reads len(p) bytes at off. Bytes this handle wrote and has
// not flushed are visible to it. It returns io.EOF when fewer than
// len(p) bytes lie before the end of the file.
func (h *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("reading %s: %w", h.file.name, errNegativeOffset)
	}
	if err := h.lock(ctx); err != nil {
		return 0, err
	}
	defer h.file.unlock(ctx)

	size := h.size()
	if off >= size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), size)
	blockSize := int64(h.file.blockSize)
	scratch := make([]byte, blockSize)
	defer clear(scratch)
	n := 0
	for pos := off; pos < end; {
		b := pos / blockSize
		if err := h.file.readBlock(ctx, b, scratch); err != nil {
			return n, err
		}
		if block, ok := h.dirty[b]; ok {
			block.overlay(scratch)
		}
		copied := copy(p[n:end-off], scratch[pos%blockSize:])
		n += copied
		pos += int64(copied)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt stages p at off in the handle's dirty set. The write becomes
// durable, and visible to other handles, at the next Flush or Close.
// Only the bytes written are committed; bytes of the same block that
// another handle flushed in the meantime survive.
// A dirty set that reaches the configured limit is flushed here.
func (h *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if !h.writable {
		return 0, ErrReadOnly
	}
	if off < 0 {
		return 0, fmt.Errorf("writing %s: %w", h.file.name, errNegativeOffset)
	}
	if err := h.lock(ctx); err != nil {
		return 0, err
	}
	defer h.file.unlock(ctx)

	blockSize := int64(h.file.blockSize)
	end := off + int64(len(p))
	if end > MaxSize(h.file.blockSize) {
		return 0, fmt.Errorf("writing %s at %d+%d: %w", h.file.name, off, len(p), ErrTooLarge)
	}
	if h.dirty == nil {
		h.dirty = make(map[int64]*dirtyBlock)
	}
	for pos := off; pos < end; {
		b := pos / blockSize
		block, ok := h.dirty[b]
		if !ok {
			block = newDirtyBlock(h.file.blockSize)
			h.dirty[b] = block
		}
		pos += int64(block.write(int(pos%blockSize), p[pos-off:]))
	}
	h.extent = max(h.extent, end)
	if len(h.dirty) >= h.file.fs.maxDirty {
		if err := h.commit(ctx, false); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Read reads from the cursor and advances it.
func (h *File) Read(ctx context.Context, p []byte) (int, error) {
	n, err := h.ReadAt(ctx, p, h.cursor)
	h.cursor += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Write writes at the cursor and advances it.
func (h *File) Write(ctx context.Context, p []byte) (int, error) {
	n, err := h.WriteAt(ctx, p, h.cursor)
	h.cursor += int64(n)
	return n, err
}

// Seek sets the cursor as io.Seeker does.
func (h *File) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = h.cursor
	case io.SeekEnd:
		size, err := h.Size(ctx)
		if err != nil {
			return 0, err
		}
		base = size
	default:
		return 0, fmt.Errorf("seeking %s: invalid whence %d", h.file.name, whence)
	}
	if h.closed {
		return 0, ErrClosed
	}
	position := base + offset
	if position < 0 {
		return 0, fmt.Errorf("seeking %s: %w", h.file.name, errNegativeOffset)
	}
	h.cursor = position
	return position, nil
}

// Size returns the file size as this handle sees it.
func (h *File) Size(ctx context.Context) (int64, error) {
	if err := h.lock(ctx); err != nil {
		return 0, err
	}
	defer h.file.unlock(ctx)
	return h.size(), nil
}

// Root returns the integrity root of the committed generation. Writes
// not yet flushed do not affect it.
func (h *File) Root(ctx context.Context) (seal.MAC, error) {
	if err := h.lock(ctx); err != nil {
		return seal.MAC{}, err
	}
	defer h.file.unlock(ctx)
	return h.file.root, nil
}

// Generation returns the committed generation number.
func (h *File) Generation(ctx context.Context) (uint64, error) {
	if err := h.lock(ctx); err != nil {
		return 0, err
	}
	defer h.file.unlock(ctx)
	return h.file.header.Generation, nil
}

// Truncate sets the file size and commits immediately, together with
// any writes this handle has staged. Growing the file adds zeros.
func (h *File) Truncate(ctx context.Context, size int64) error {
	if !h.writable {
		return ErrReadOnly
	}
	if size < 0 {
		return fmt.Errorf("truncating %s: %w", h.file.name, errNegativeOffset)
	}
	if size > MaxSize(h.file.blockSize) {
		return fmt.Errorf("truncating %s to %d: %w", h.file.name, size, ErrTooLarge)
	}
	if err := h.lock(ctx); err != nil {
		return err
	}
	defer h.file.unlock(ctx)

	blockSize := int64(h.file.blockSize)
	for b, block := range h.dirty {
		switch start := b * blockSize; {
		case start >= size:
			delete(h.dirty, b)
		case start+blockSize > size:
			block.trim(int(size - start))
		}
	}
	h.extent = size
	return h.commit(ctx, true)
}

// Flush commits the handle's staged writes as a new generation.
func (h *File) Flush(ctx context.Context) error {
	if !h.writable {
		if h.closed {
			return ErrClosed
		}
		return nil
	}
	if err := h.lock(ctx); err != nil {
		return err
	}
	defer h.file.unlock(ctx)
	return h.commit(ctx, false)
}

// Close flushes staged writes and releases the handle. A second Close
// returns ErrClosed.
func (h *File) Close(ctx context.Context) error {
	if h.closed {
		return ErrClosed
	}
	var err error
	if h.writable && (len(h.dirty) > 0 || h.extent > 0) {
		if err = h.lock(ctx); err == nil {
			err = h.commit(ctx, false)
			h.file.unlock(ctx)
		}
	}
	h.closed = true
	h.dirty = nil
	if releaseErr := h.file.fs.release(ctx, h.file); err == nil {
		err = releaseErr
	}
	return err
}

// commit applies the dirty set. Caller holds the file lock.
func (h *File) commit(ctx context.Context, truncate bool) error {
	if err := h.file.commit(ctx, changes{dirty: h.dirty, extent: h.extent, truncate: truncate}); err != nil {
		return err
	}
	for _, block := range h.dirty {
		clear(block.data)
	}
	clear(h.dirty)
	h.extent = 0
	return nil
}
