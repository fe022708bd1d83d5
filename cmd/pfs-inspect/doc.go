// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Pfs-inspect prints the plaintext header slots of protected-file
// backing files as the host sees them: format version, block size,
// file id, generation, sealed metadata size, and how many block slots
// the file holds. No key is needed and nothing is authenticated; the
// output is the host's view, useful for checking which header slot a
// crash left active.
//
// Exit codes:
//
//	0  every file has at least one well-formed header slot
//	1  error reading a file
//	2  a file has no well-formed header slot
package main
