// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package thread implements enclave threads on top of host threads.
//
// An enclave thread is a logical context (id, state, TLS slots) bound
// to exactly one host OS thread for its lifetime. [Manager.Spawn]
// records a pending thread and asks the host to start an OS thread;
// the host enters the enclave through [Manager.Enter], which binds the
// pending context to that host thread and runs the thread function.
// The initial host thread is bound as thread 1 by [Manager.BindMain].
//
// The calling thread travels in the context: [Current] returns the
// thread bound to ctx. Every enclave function that can block takes the
// context for this reason.
//
// The host decides when threads actually run and may lie about every
// scheduling event. The manager therefore refuses an Enter for an
// unknown or already-started id and a second binding of the same host
// thread, and treats park wake-ups as hints (see lib/locks).
//
// Thread functions run under the fault handler: an unwindable panic
// ends the thread and surfaces from [Manager.Join] as a
// [*fault.PanicError]; an invariant violation aborts the enclave.
//
// TLS keys ([Manager.NewKey]) carry an optional destructor that runs
// once per non-nil slot value when the thread exits.
package thread
