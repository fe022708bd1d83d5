// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package spinlock provides the lowest-level enclave lock: a CAS
// spinlock that never crosses the trust boundary and never allocates.
//
// It guards the enclave heap and the internal state of every
// general-purpose lock in lib/locks, which cannot be used for those
// jobs because they park through the gateway and the gateway
// allocates. Critical sections under a spinlock must be short and
// must not block.
package spinlock
