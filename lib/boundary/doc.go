// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package boundary is the gateway every host interaction goes through.
//
// The host is reached by message exchange, never by a transparent
// call. A [Request] names an [Opcode] from a closed catalog and
// carries the CBOR encoding of that opcode's argument struct plus the
// largest output the caller will accept. [Gateway.Cross]:
//
//  1. refuses the crossing when the enclave has aborted or the
//     opcode's feature is disabled;
//  2. requires the input to be enclave memory and copies it into a
//     transfer buffer carved from the shared arena, with a pre-sized
//     output buffer next to it;
//  3. hands the host a fixed-layout [Frame] of spans and receives a
//     fixed-layout [Reply];
//  4. checks that the reply's output span lies outside the enclave
//     region and inside a live untrusted mapping, that it is no longer
//     than the declared bound, copies it into an enclave heap staging
//     block, and only then runs the opcode's validation predicate on
//     the copy.
//
// Any check failure is [fault.ErrUntrustedResponse]: nothing is
// applied, the staging block is freed, and the caller's destination
// buffers are untouched. A host-reported failure is an ordinary
// [*fault.HostError]. Rejections are logged at Warn with the opcode and
// the reason, never with data bytes.
//
// Argument layouts are append-only: new optional fields take new CBOR
// keys, existing keys are never renumbered or reused. Opcode values are
// stable for the same reason.
//
// Components do not build requests by hand; they call the typed
// helpers ([Gateway.ReadBlock], [Gateway.Park], [Gateway.Connect], ...).
package boundary
