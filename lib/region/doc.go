// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package region establishes the two address spaces the runtime
// reasons about: the enclave-private [Region] and the untrusted
// [Space] the host reads and writes.
//
// The Region is reserved once at load time with mmap, mlocked where
// RLIMIT_MEMLOCK allows, and excluded from core dumps. Its bounds are
// a read-only fact afterwards and are the reference for every pointer
// check the gateway makes. The enclave heap is carved from it.
//
// The Space is a registry of separate anonymous mappings. The host
// touches memory only through a Space, and only inside a live mapping,
// so a span the host invents (or one that points into the Region) has
// nothing to resolve to. Addresses are real process addresses and are
// carried across the boundary as fixed-width [Span] values.
package region
