// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package symtab resolves instruction pointers to function names from
// a table that lives inside the enclave.
//
// Backtraces are symbolized locally and never by the host: asking the
// host to resolve addresses would leak control flow and let it feed
// back spoofed names. Two resolvers exist:
//
//   - [Runtime] reads the pclntab embedded in the running binary.
//   - [Table] is an explicit sorted table of function ranges. It can be
//     built from the running binary for a chosen set of functions and
//     serialized ([Table.Encode], [Decode]) as lz4-compressed CBOR for
//     builds that strip or redact the pclntab; the runtime takes the
//     encoded form as its shipped symbol table.
//
// Both name the function whose machine code holds an address, so a
// frame inside an inlined call reports the function it was inlined
// into.
package symtab
