// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the enclave runtime's CBOR configuration.
//
// CBOR is the only structured encoding that crosses the trust boundary
// or reaches persistent storage: boundary call arguments, protected
// file headers and index nodes, abort reports, and the embedded symbol
// table all go through this package so that every component encodes
// identically.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2). Same
// logical value, same bytes. This matters for anything that is MAC'd
// or sealed: re-encoding an unchanged index node must reproduce the
// authenticated bytes exactly.
//
// There are two decoders:
//
//   - [Unmarshal] for bytes that were produced inside the enclave and
//     already authenticated (opened seals, embedded tables).
//   - [UnmarshalUntrusted] for bytes that came from the host. It
//     forbids indefinite-length items, duplicate map keys, and tags,
//     and caps nesting depth and container sizes so a hostile host
//     cannot make the decoder allocate without bound.
//
// # Wire struct rules
//
// Boundary argument structs use integer keys (`cbor:"1,keyasint"`).
// Keys are never renumbered or reused; new optional fields take the
// next unused key and carry omitempty, so older decoders skip them and
// newer decoders see the zero value when talking to an older peer.
package codec
