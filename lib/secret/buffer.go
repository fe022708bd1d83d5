// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/bureau-foundation/enclave/lib/heap"
	"github.com/bureau-foundation/enclave/lib/spinlock"
)

// Buffer holds sensitive bytes in an enclave heap block. A Buffer must
// not be copied after creation.
type Buffer struct {
	lock   spinlock.Lock
	heap   *heap.Allocator
	block  *heap.Block
	closed bool
}

// New allocates a zero-filled secret buffer of size bytes.
func New(allocator *heap.Allocator, size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	block, err := allocator.Alloc(size, heap.Granule)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	return &Buffer{heap: allocator, block: block}, nil
}

// NewFromBytes copies source into a new buffer and zeros source.
func NewFromBytes(allocator *heap.Allocator, source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}
	buffer, err := New(allocator, len(source))
	if err != nil {
		Zero(source)
		return nil, err
	}
	copy(buffer.block.Bytes(), source)
	Zero(source)
	return buffer, nil
}

// NewRandom allocates a buffer of size bytes filled from crypto/rand.
func NewRandom(allocator *heap.Allocator, size int) (*Buffer, error) {
	buffer, err := New(allocator, size)
	if err != nil {
		return nil, err
	}
	if _, err := rand.Read(buffer.block.Bytes()); err != nil {
		buffer.Close()
		return nil, fmt.Errorf("secret: reading random bytes: %w", err)
	}
	return buffer, nil
}

// Bytes returns the secret. The slice points into enclave memory and
// must not outlive the Buffer. Panics after Close.
func (b *Buffer) Bytes() []byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.block.Bytes()
}

// Len returns the secret size.
func (b *Buffer) Len() int {
	return b.block.Len()
}

// Equal reports whether the secret equals other, in constant time.
// Panics after Close.
func (b *Buffer) Equal(other []byte) bool {
	return subtle.ConstantTimeCompare(b.Bytes(), other) == 1
}

// Close zeros the secret and frees its block. Idempotent.
func (b *Buffer) Close() error {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return nil
	}
	b.closed = true
	block := b.block
	b.lock.Unlock()

	Zero(block.Bytes())
	b.heap.Free(block)
	return nil
}

// Zero clears b in place.
func Zero(b []byte) {
	clear(b)
}
