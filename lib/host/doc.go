// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package host is the reference untrusted host: the side of the
// boundary that owns the real operating system. A [Dispatcher]
// implements [boundary.Host] by decoding each frame's arguments from
// the untrusted address space, performing the operation with ordinary
// syscalls, and writing any output back into the frame's output
// buffer.
//
// Nothing in this package is trusted by the enclave side. The
// dispatcher is written to behave correctly, but the gateway validates
// every reply as if it came from an attacker; lib/enclavetest wraps a
// Dispatcher to play that attacker in tests.
//
// Operations:
//
//   - memory: fresh anonymous mappings registered with the
//     [region.Space] the enclave shares with the host
//   - threads: each spawn starts an OS-locked goroutine that enters the
//     enclave through the bound [Entry]; concurrency is capped at the
//     configured thread count. Park and unpark use sticky per-thread
//     events, so an unpark that races ahead of its park is not lost.
//   - block storage: protected-file backing files under a single
//     storage directory, accessed with pread/pwrite/fsync/ftruncate
//   - descriptors: stdio, pipes, untrusted files, and sockets share one
//     handle table
//   - time and abort reports
//
// Failures are reported as a failed status with an errno; Call itself
// returns an error only when the dispatcher is closed.
package host
