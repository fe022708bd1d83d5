// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts enclave output that must leave the enclave
// but may only be read by an operator: abort reports and diagnostic
// bundles. It wraps filippo.io/age x25519 recipients.
//
// The enclave only ever holds operator public keys (age1...). Private
// keys live with the operator tooling; [Decrypt] exists for that side
// and for tests.
//
// Key exports:
//
//   - [Encrypt] -- encrypt to one or more age public keys
//   - [Decrypt] -- decrypt with an AGE-SECRET-KEY-1 identity
//   - [GenerateKeypair] -- operator-side keypair generation
//   - [ParseRecipients] -- validate configured recipients at load time
package sealed
