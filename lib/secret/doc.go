// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material in enclave memory.
//
// A [Buffer] is carved from the enclave heap, which lives inside the
// mlocked, dump-excluded enclave region, so key bytes never sit in the
// Go heap where the collector may copy them. On Close the bytes are
// zeroed and the block is returned to the heap. After Close, any
// access panics. Close is idempotent.
//
// Constructors:
//
//   - [New] -- a zero-filled buffer of a given size
//   - [NewFromBytes] -- copies into enclave memory, zeros the source
//   - [NewRandom] -- fills from crypto/rand
//   - [ReadFromPath] -- reads a hex key file, zeroing every copy
//
// [Buffer.Equal] compares in constant time. [Zero] clears a slice in
// place and is used on every transient copy of key material.
package secret
