// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package abortfile persists the last abort report an enclave delivered
// to its host. The reference host writes a [State] when the enclave
// reports an abort; on the next start the launcher calls [Check] to
// learn that the previous load died, and an operator holding one of
// the report recipients' identities opens the sealed record with
// [State.Open].
//
// The file is written atomically (write to temporary file, fsync,
// rename into place, fsync parent directory) so a host that dies while
// recording the abort leaves either the previous report or the new
// one, never a torn file. [Check] ignores reports older than a caller
// chosen age so a long-forgotten abort does not alarm every restart.
//
// Only the kind is plaintext. The cause, backtrace, and everything
// else about the abort stay inside the sealed blob.
package abortfile
