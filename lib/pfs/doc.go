// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pfs implements the protected file system: files whose
// contents the host stores but can neither read nor undetectably
// modify.
//
// A protected file is a sequence of fixed-size logical blocks. On the
// host it is one backing file:
//
//	[header slot A][header slot B][slot 0][slot 1]...
//
// Every slot holds one sealed block (XChaCha20-Poly1305 via lib/seal)
// and is BlockSize+seal.Overhead bytes. A data slot holds one logical
// block; an index slot holds one index node, which records for a run
// of logical blocks whether each is present, the slot holding it, and
// the MAC of that slot's ciphertext. The integrity root is the Merkle
// MAC over the index node MACs, bound to the file size and generation.
//
// A header slot carries plaintext identification (magic, format
// version, block size, file id, generation) and the sealed metadata:
// size, slot high-water mark, index node references, and the root. The
// metadata's additional data binds the header fields and the file's
// name, so a header cannot be replayed under another name.
//
// Writes are staged in the handle's dirty set. [File.Flush] seals
// dirty blocks into slots no live index references, writes fresh index
// nodes the same way, syncs, then writes the next generation's header
// into the inactive header slot and syncs again. A crash at any point
// leaves either the old or the new generation readable; [FS.Open]
// picks the highest generation whose header authenticates and whose
// index verifies, falling back to the other header slot.
//
// Any block whose MAC differs from the one recorded under the current
// root fails the file with [fault.ErrIntegrityViolation]. The failure
// is sticky: every later operation on any handle of that file returns
// it. Rollback of the whole backing file to an older, internally
// consistent generation is detectable only against a root the caller
// kept, via [FS.OpenVerified].
//
// Each open file keeps a small LRU of verified plaintext blocks keyed
// by slot and MAC, so rereading a block does not cross the boundary
// again. Evicted blocks are zeroed; the cache is dropped on last close.
//
// The committed index and root of an open file are shared by every
// handle on it and guarded by a [locks.Mutex]. Each [File] owns its
// dirty set and cursor and is not safe for concurrent use; handles
// opened by different threads merge at flush, byte by byte within a
// shared block.
package pfs
