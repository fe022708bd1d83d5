// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package enclavetest assembles the lower runtime layers for tests: an
// enclave region, the untrusted space, both allocators, a boundary
// gateway, and the reference host behind it.
//
// [New] returns a [Rig] whose host is a real [host.Dispatcher] backed
// by a temporary storage directory and a fake clock. Packages above
// the gateway (thread, locks, pfs, netshim, ufs) build their objects on
// a Rig instead of repeating the setup.
//
// The adversary helpers wrap the dispatcher to play a hostile host:
// spurious wake-ups, lying timeouts, corrupted reads, inflated byte
// counts. Install them through [Options.Wrap]:
//
//	rig := enclavetest.New(t, enclavetest.Options{
//	    Wrap: func(next boundary.Host, space *region.Space) boundary.Host {
//	        return enclavetest.SpuriousWakes(next)
//	    },
//	})
//
// The Rig's fault handler never exits the process: abort exit codes
// are recorded and available through [Rig.ExitCodes].
package enclavetest
