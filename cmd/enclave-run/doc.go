// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Enclave-run loads the enclave runtime over the in-process reference
// host and drives a concurrent protected-file workload through it:
// several enclave threads write disjoint regions of one protected file,
// the main thread reopens the file and verifies every byte, and the
// final root and generation are printed through the enclave's stdout.
//
// Configuration comes from --config or ENCLAVE_CONFIG. The sealing key
// comes from storage.key_file; without one, files are sealed under a
// random key and cannot be reopened by a later run.
//
// When the previous load aborted within the last week its abort report
// is still in the storage directory; enclave-run logs a warning at
// startup and leaves the report for enclave-report.
//
// --metrics-listen serves the runtime's Prometheus collector (boundary
// crossings, heap usage, live threads, protected-file cache counters)
// at /metrics for as long as the workload runs.
//
// Exit codes:
//
//	0  workload verified
//	1  error (configuration, host, or I/O failure)
//	3  integrity violation (a protected file failed verification)
//	70 enclave aborted
package main
