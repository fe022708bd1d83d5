// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for enclave packages.
//
// [SocketPath] returns a Unix socket path in a short directory under
// /tmp; sun_path holds 108 bytes and a test runner's TMPDIR can exceed
// it.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls; [RequireEventually] polls
// for a state another thread reaches without signalling. These are the
// only place in the test suite where real wall-clock timeouts are
// used; everything else takes a clock.Clock.
//
// [FlipBit] and [CopyFile] tamper with host-side backing files the way
// an attacker controlling storage would: single-bit corruption and
// whole-file rollback.
//
// [BackingName] generates distinct backing-file names for tests that
// share a storage directory.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no dependencies on other enclave packages.
package testutil
