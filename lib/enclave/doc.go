// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package enclave assembles the runtime: it reserves the enclave
// region, maps the shared arena, builds both heaps, the boundary
// gateway, the fault handler, the thread manager, the sealing master
// key, the protected file system, and the host-channel shims for the
// features the configuration enables.
//
// A process hosts one enclave. [Load] builds it and installs its fault
// handler process-wide; a second Load fails with [ErrLoaded] until the
// first is closed. [New] builds a runtime without installing anything,
// for tests and tools that want several.
//
// Enclave code runs on enclave threads. [Runtime.Run] binds the
// calling goroutine as the main thread, runs a function under panic
// recovery, and unbinds it; [Runtime.Spawn] starts further threads
// through the host.
package enclave
