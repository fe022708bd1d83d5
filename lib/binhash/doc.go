// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash measures binaries: a keyed BLAKE3 digest of the
// file's bytes, in a domain of its own.
//
// The enclave binary logs its own measurement at load and the operator
// pins the expected value in deployment tooling. This is an
// identification aid for logs and incident reports, not attestation:
// the host can lie about what it executed.
//
//   - [HashFile] and [Hash] -- stream content through the keyed hash
//     with constant memory usage regardless of size
//   - [Self] -- the running binary's measurement and path
//   - [Digest.String] and [ParseDigest] -- the canonical hex form
package binhash
