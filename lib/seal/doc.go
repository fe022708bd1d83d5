// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package seal is the enclave's cryptographic capability: seal,
// unseal, and MAC-verify.
//
// A [Master] holds the enclave master key in a secret buffer and
// derives per-file [Keys] with HKDF-SHA256. Keys seal with
// XChaCha20-Poly1305 in the format
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag: N+16 bytes]
//
// with the version byte and the caller's additional data
// authenticated. MACs are keyed BLAKE3; [Keys.Root] folds a list of
// MACs into a binary Merkle root where an odd node is promoted, never
// duplicated.
//
// Derived keys live in secret buffers on the enclave heap and must be
// closed.
package seal
