// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault is the enclave's error taxonomy and its panic, unwind
// and abort machinery.
//
// Recoverable failures are ordinary error values:
//
//   - [ErrUntrustedResponse] -- a host response failed boundary
//     validation. Never retried by the runtime.
//   - [HostError] -- the host reported an ordinary failure (file not
//     found, connection reset). Wraps the host's errno.
//   - [ErrResourceExhausted] -- heap, thread table, or handle table
//     exhaustion.
//   - [ErrIntegrityViolation] -- a protected-file MAC mismatch or
//     rollback. Fatal to the file handle, never healed.
//
// Unrecoverable failures are [Violation] panics raised by [Violate]
// (corrupted allocator state, double free, lock state inconsistency).
// When a [Handler] is installed, a violation aborts the enclave at the
// point of detection without unwinding.
//
// Ordinary panics in enclave code are caught by [Handler.Run]. They
// move through the [State] machine
//
//	Running -> PanicInitiated -> Unwinding -> HandlerRun -> ResumedAbortCandidate
//
// and come back to the caller as a [*PanicError]. Whoever holds a
// PanicError with nothing left to do with it calls [Handler.Escalate],
// which aborts.
//
// An abort is one-shot. The host sees only the cause [Kind] and an
// opaque blob: the full [Record] (cause text, backtrace) is CBOR
// encoded, zstd compressed, and age encrypted to the operator
// recipients. Without recipients the record never leaves the enclave.
// Backtraces are walked on the local stack and symbolized from the
// enclave's own symbol table; the host is never asked to resolve an
// address.
package fault
