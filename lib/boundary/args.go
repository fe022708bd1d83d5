// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boundary

// Argument and result layouts. Keys are append-only.

// Handle is a host-side descriptor: a block file, fd, or socket.
type Handle int64

// MaxHandle bounds host-issued handles.
const MaxHandle = 1<<31 - 1

// MemMapArgs is the argument of OpMemMap.
type MemMapArgs struct {
	Size uint64 `cbor:"1,keyasint"`
}

// MemMapResult is the output of OpMemMap.
type MemMapResult struct {
	Addr uint64 `cbor:"1,keyasint"`
	Len  uint64 `cbor:"2,keyasint"`
}

// MemUnmapArgs is the argument of OpMemUnmap.
type MemUnmapArgs struct {
	Addr uint64 `cbor:"1,keyasint"`
}

// ThreadArgs names an enclave thread: OpThreadSpawn and OpThreadUnpark.
type ThreadArgs struct {
	Thread uint64 `cbor:"1,keyasint"`
}

// ParkArgs is the argument of OpThreadPark. Zero TimeoutNanos waits
// until unparked.
type ParkArgs struct {
	Thread       uint64 `cbor:"1,keyasint"`
	TimeoutNanos int64  `cbor:"2,keyasint,omitempty"`
}

// BlockOpenArgs is the argument of OpBlockOpen. Name is relative to
// the host's storage directory.
type BlockOpenArgs struct {
	Name   string `cbor:"1,keyasint"`
	Create bool   `cbor:"2,keyasint,omitempty"`
}

// HandleArgs names a host handle: sync, close, size, dup, isatty,
// accept, stat.
type HandleArgs struct {
	Handle Handle `cbor:"1,keyasint"`
}

// IOArgs is the argument of the read and write opcodes. Offset is
// used by the positional ones; Data by the writes.
type IOArgs struct {
	Handle Handle `cbor:"1,keyasint"`
	Offset int64  `cbor:"2,keyasint,omitempty"`
	Data   []byte `cbor:"3,keyasint,omitempty"`
}

// TruncateArgs is the argument of OpBlockTruncate.
type TruncateArgs struct {
	Handle Handle `cbor:"1,keyasint"`
	Size   int64  `cbor:"2,keyasint"`
}

// PipeResult is the output of OpPipeCreate.
type PipeResult struct {
	Read  Handle `cbor:"1,keyasint"`
	Write Handle `cbor:"2,keyasint"`
}

// SockArgs is the argument of OpSockConnect and OpSockListen.
type SockArgs struct {
	Network string `cbor:"1,keyasint"`
	Address string `cbor:"2,keyasint"`
}

// Addr is a host-reported socket address. It is metadata the host
// chooses; nothing in the runtime trusts it.
type Addr struct {
	Network string `cbor:"1,keyasint"`
	Address string `cbor:"2,keyasint"`
}

// FileOpenArgs is the argument of OpFileOpen.
type FileOpenArgs struct {
	Path  string `cbor:"1,keyasint"`
	Flags int    `cbor:"2,keyasint"`
	Mode  uint32 `cbor:"3,keyasint,omitempty"`
}

// AbortArgs is the argument of OpAbortReport.
type AbortArgs struct {
	Kind   uint8  `cbor:"1,keyasint"`
	Sealed []byte `cbor:"2,keyasint,omitempty"`
}
