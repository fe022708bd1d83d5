// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package heap is the enclave's page-span allocator.
//
// The arena is split into 4096-byte spans. Each span tracks its 64
// granules of 64 bytes in a bitmask; small allocations take a
// contiguous, suitably aligned run of granules from a span on the free
// list, and allocations larger than a page take a run of wholly free
// spans. Spans move between the free and full lists as their bitmasks
// fill and drain.
//
// Two allocators exist at runtime. The enclave heap ([NewEnclave])
// covers the enclave region and is the only source of memory the
// runtime treats as trusted: staging copies, secrets, protected-file
// plaintext. The shared arena ([NewShared]) covers a pinned untrusted
// mapping and provides the transfer buffers the host reads and writes
// during a crossing.
//
// The allocator never crosses the boundary and is guarded by a
// spinlock, not by the parking locks built on top of it. Exhaustion is
// an ordinary [fault.ErrResourceExhausted] error; a double free, a
// foreign block, or a corrupted bitmask or span list is a
// [fault.Violation], raised only after the spinlock is released so the
// abort can run.
package heap
