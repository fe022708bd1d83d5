// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Enclave-report shows the abort report the reference host persisted
// when an enclave last aborted. Without an identity it prints only what
// the host can see: the abort kind, when it arrived, and whether a
// sealed record is attached. With --identity (a file holding an
// AGE-SECRET-KEY-1 line for one of operators.recipients) it opens the
// sealed record and prints the cause and backtrace.
//
// Exit codes:
//
//	0  report shown (or cleared)
//	1  error reading or opening the report
//	4  no abort report
package main
