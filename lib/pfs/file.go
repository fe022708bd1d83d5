// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pfs

import (
	"cmp"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/locks"
	"github.com/bureau-foundation/enclave/lib/seal"
)

// file is the state of one open protected file shared by all of its
// handles.
type file struct {
	fs   *FS
	name string
	lock *locks.Mutex

	// refs is guarded by fs.guard.
	refs int

	// Everything below is guarded by lock.
	loaded    bool
	host      boundary.Handle
	keys      *seal.Keys
	header    Header
	blockSize int
	slotSize  int
	perNode   int
	active    int
	size      int64
	slots     uint64
	nodes     []nodeRef
	entries   []entry
	root      seal.MAC
	failed    error

	// cache holds plaintext of data blocks that verified against the
	// index. Nil when disabled.
	cache *lru.Cache[cacheKey, []byte]
}

// cacheKey names one verified data block: the ciphertext MAC, the slot
// it was read from, and the logical index it opened under. A later
// generation that moves or rewrites the block changes the key.
type cacheKey struct {
	slot  uint64
	mac   seal.MAC
	index int64
}

// changes is what a commit applies on top of the committed state.
type changes struct {
	dirty    map[int64]*dirtyBlock
	extent   int64
	truncate bool
	force    bool
}

// candidate is an authenticated header slot.
type candidate struct {
	slot   int
	header Header
	keys   *seal.Keys
	meta   metadata
}

func (f *file) unlock(ctx context.Context) {
	if err := f.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
		f.fs.logger.Warn("releasing protected file lock", "file", f.name, "error", err)
	}
}

// ready loads f on first use. Caller holds lock.
func (f *file) ready(ctx context.Context, create bool) error {
	if f.failed != nil {
		return f.failed
	}
	if f.loaded {
		return nil
	}
	host, err := f.fs.store.OpenBlockFile(ctx, f.name, create)
	if err != nil {
		return fmt.Errorf("opening backing file for %s: %w", f.name, err)
	}
	f.host = host
	if f.fs.cacheBlocks > 0 {
		// Evicted plaintext is zeroed.
		f.cache, _ = lru.NewWithEvict(f.fs.cacheBlocks, func(_ cacheKey, plain []byte) { clear(plain) })
	}
	hostSize, err := f.fs.store.BlockFileSize(ctx, host, boundary.MaxFileSize)
	if err == nil {
		switch {
		case hostSize > 0:
			err = f.recover(ctx)
		case create:
			err = f.initialize(ctx)
		default:
			err = fmt.Errorf("%s: backing file is empty: %w", f.name, fault.ErrIntegrityViolation)
		}
	}
	if err != nil {
		if closeErr := f.fs.store.CloseBlockFile(context.WithoutCancel(ctx), host); closeErr != nil {
			f.fs.logger.Warn("closing backing file after failed open",
				"file", f.name, "error", closeErr)
		}
		if f.keys != nil {
			f.keys.Close()
			f.keys = nil
		}
		f.cache = nil
		return err
	}
	f.loaded = true
	return nil
}

// shutdown closes the backing file and drops the keys. Caller holds
// lock.
func (f *file) shutdown(ctx context.Context) error {
	if !f.loaded {
		return nil
	}
	f.loaded = false
	err := f.fs.store.CloseBlockFile(ctx, f.host)
	f.keys.Close()
	f.keys = nil
	f.entries = nil
	if f.cache != nil {
		f.cache.Purge()
		f.cache = nil
	}
	return err
}

func (f *file) setGeometry(blockSize int) {
	f.blockSize = blockSize
	f.slotSize = SlotSize(blockSize)
	f.perNode = EntriesPerNode(blockSize)
}

// initialize creates generation 1 of a new, empty file.
func (f *file) initialize(ctx context.Context) error {
	fileID := make([]byte, fileIDSize)
	rand.Read(fileID)
	keys, err := f.fs.master.FileKeys(fileID)
	if err != nil {
		return fmt.Errorf("deriving keys for %s: %w", f.name, err)
	}
	f.keys = keys
	f.setGeometry(f.fs.blockSize)
	f.header = Header{Version: FormatVersion, BlockSize: uint32(f.blockSize), FileID: fileID}
	f.active = 1
	return f.commit(ctx, changes{force: true})
}

// recover loads the newest generation whose header authenticates and
// whose index verifies against its root. A generation that fails is
// logged and the older header slot tried; the file fails only when
// neither loads.
func (f *file) recover(ctx context.Context) error {
	var candidates []*candidate
	closeFrom := func(i int) {
		for _, c := range candidates[i:] {
			c.keys.Close()
		}
	}
	for slot := range 2 {
		raw := make([]byte, HeaderSize)
		n, err := f.fs.store.ReadBlock(ctx, f.host, int64(slot)*HeaderSize, raw)
		if err != nil {
			closeFrom(0)
			return fmt.Errorf("reading header slot %d of %s: %w", slot, f.name, err)
		}
		found, err := f.openHeader(raw[:n])
		if err != nil {
			f.fs.logger.Warn("protected file header slot rejected",
				"file", f.name, "slot", slot, "reason", err)
			continue
		}
		found.slot = slot
		candidates = append(candidates, found)
	}
	if len(candidates) == 0 {
		return f.fail("no header slot authenticates")
	}
	slices.SortFunc(candidates, func(a, b *candidate) int {
		return cmp.Compare(b.header.Generation, a.header.Generation)
	})

	var reasons []string
	for i, c := range candidates {
		err := f.load(ctx, c)
		if err == nil {
			closeFrom(i + 1)
			if i > 0 {
				f.fs.logger.Warn("protected file recovered an older generation",
					"file", f.name, "generation", c.header.Generation, "slot", c.slot)
			}
			return nil
		}
		c.keys.Close()
		f.keys = nil
		var rejected *integrityError
		if !errors.As(err, &rejected) {
			closeFrom(i + 1)
			return err
		}
		f.fs.logger.Warn("protected file generation rejected",
			"file", f.name, "generation", c.header.Generation, "slot", c.slot, "reason", rejected.reason)
		reasons = append(reasons, fmt.Sprintf("generation %d: %s", c.header.Generation, rejected.reason))
	}
	return f.fail("no generation verifies (%s)", strings.Join(reasons, "; "))
}

// load makes c the committed state and reads its index. Caller closes
// c.keys if it fails.
func (f *file) load(ctx context.Context, c *candidate) error {
	f.keys = c.keys
	f.setGeometry(int(c.header.BlockSize))
	f.header = c.header
	f.header.Metadata = nil
	f.active = c.slot
	f.size = c.meta.Size
	f.slots = c.meta.Slots
	f.nodes = c.meta.Nodes
	f.root = c.meta.Root

	f.entries = make([]entry, 0, len(f.nodes)*f.perNode)
	for i, ref := range f.nodes {
		if ref.Slot >= f.slots {
			return integrityf("index node %d references slot %d beyond high-water %d", i, ref.Slot, f.slots)
		}
		plain, err := f.openSlot(ctx, ref.Slot, ref.MAC, kindNode, uint64(i))
		if err != nil {
			return err
		}
		entries, err := decodeNode(plain, f.perNode)
		if err != nil {
			return integrityf("index node %d: %v", i, err)
		}
		f.entries = append(f.entries, entries...)
	}
	if rootOf(f.keys, f.nodes, f.size, f.header.Generation) != f.root {
		return integrityf("integrity root does not match index nodes")
	}
	return nil
}

// openHeader authenticates one header slot and its metadata.
func (f *file) openHeader(raw []byte) (*candidate, error) {
	header, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	aad, err := header.aad(f.name)
	if err != nil {
		return nil, err
	}
	keys, err := f.fs.master.FileKeys(header.FileID)
	if err != nil {
		return nil, err
	}
	plain, err := keys.Open(nil, header.Metadata, aad)
	if err != nil {
		keys.Close()
		return nil, err
	}
	var meta metadata
	if err := codec.Unmarshal(plain, &meta); err != nil {
		keys.Close()
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	blockSize := int64(header.BlockSize)
	perNode := int64(EntriesPerNode(int(blockSize)))
	if meta.Size < 0 || meta.Size > MaxSize(int(blockSize)) ||
		int64(len(meta.Nodes)) != ceilDiv(ceilDiv(meta.Size, blockSize), perNode) {
		keys.Close()
		return nil, fmt.Errorf("metadata size %d inconsistent with %d index nodes", meta.Size, len(meta.Nodes))
	}
	return &candidate{header: header, keys: keys, meta: meta}, nil
}

// fail marks f failed with an integrity violation and returns it.
func (f *file) fail(format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	f.failed = fmt.Errorf("protected file %s: %s: %w", f.name, reason, fault.ErrIntegrityViolation)
	f.fs.logger.Error("protected file integrity violation", "file", f.name, "reason", reason)
	return f.failed
}

// integrityError is a slot or index that fails authentication, before
// it is known whether the file as a whole has failed.
type integrityError struct {
	reason string
}

func (e *integrityError) Error() string { return e.reason }

func integrityf(format string, args ...any) error {
	return &integrityError{reason: fmt.Sprintf(format, args...)}
}

// readSealed is openSlot for the committed generation: an
// authentication failure fails the file.
func (f *file) readSealed(ctx context.Context, slot uint64, mac seal.MAC, kind byte, index uint64) ([]byte, error) {
	plain, err := f.openSlot(ctx, slot, mac, kind, index)
	var rejected *integrityError
	if errors.As(err, &rejected) {
		return nil, f.fail("%s", rejected.reason)
	}
	return plain, err
}

// openSlot fetches a slot and accepts it only if its ciphertext MAC
// is mac and it opens as the given kind and index.
func (f *file) openSlot(ctx context.Context, slot uint64, mac seal.MAC, kind byte, index uint64) ([]byte, error) {
	sealed := make([]byte, f.slotSize)
	n, err := f.fs.store.ReadBlock(ctx, f.host, slotOffset(slot, f.slotSize), sealed)
	if err != nil {
		return nil, fmt.Errorf("reading slot %d of %s: %w", slot, f.name, err)
	}
	if n != len(sealed) {
		return nil, integrityf("slot %d: host returned %d of %d bytes", slot, n, len(sealed))
	}
	if !f.keys.Verify(mac, sealed) {
		return nil, integrityf("slot %d: MAC does not match the index", slot)
	}
	plain, err := f.keys.Open(make([]byte, 0, f.blockSize), sealed, slotAAD(f.header.FileID, kind, index))
	if err != nil {
		return nil, integrityf("slot %d: %v", slot, err)
	}
	return plain, nil
}

// readBlock fills dst (one block) with committed logical block b.
// Absent blocks read as zeros.
func (f *file) readBlock(ctx context.Context, b int64, dst []byte) error {
	if b >= int64(len(f.entries)) || !f.entries[b].Present {
		clear(dst)
		return nil
	}
	e := f.entries[b]
	key := cacheKey{slot: e.Slot, mac: e.MAC, index: b}
	if f.cache != nil {
		if plain, ok := f.cache.Get(key); ok {
			f.fs.hits.Add(1)
			copy(dst, plain)
			return nil
		}
		f.fs.misses.Add(1)
	}
	plain, err := f.readSealed(ctx, e.Slot, e.MAC, kindData, uint64(b))
	if err != nil {
		return err
	}
	copy(dst, plain)
	if f.cache != nil {
		f.cache.Add(key, plain)
	} else {
		clear(plain)
	}
	return nil
}

// writeSealed seals plain into a fresh slot and returns the slot and
// the ciphertext MAC.
func (f *file) writeSealed(ctx context.Context, alloc *slotAllocator, plain []byte, kind byte, index uint64) (uint64, seal.MAC, error) {
	sealed, err := f.keys.Seal(make([]byte, 0, f.slotSize), plain, slotAAD(f.header.FileID, kind, index))
	if err != nil {
		return 0, seal.MAC{}, err
	}
	slot := alloc.take()
	if err := f.fs.store.WriteBlock(ctx, f.host, slotOffset(slot, f.slotSize), sealed); err != nil {
		return 0, seal.MAC{}, fmt.Errorf("writing slot %d of %s: %w", slot, f.name, err)
	}
	return slot, f.keys.MAC(sealed), nil
}

// commit writes the next generation. Each dirty block is the current
// committed block with the handle's written spans laid over it.
// Nothing the current generation references is overwritten, so a
// crash leaves it intact. The
// in-memory state changes only after the new header is synced. Caller
// holds lock.
func (f *file) commit(ctx context.Context, c changes) error {
	if f.failed != nil {
		return f.failed
	}
	size := max(f.size, c.extent)
	if c.truncate {
		size = c.extent
	}
	if !c.force && !c.truncate && len(c.dirty) == 0 && size == f.size {
		return nil
	}

	blockSize := int64(f.blockSize)
	perNode := int64(f.perNode)
	blocks := ceilDiv(size, blockSize)
	nodeCount := ceilDiv(blocks, perNode)
	if nodeCount > int64(maxNodes) {
		return fmt.Errorf("%s: %d bytes: %w", f.name, size, ErrTooLarge)
	}
	entries := make([]entry, nodeCount*perNode)
	copy(entries, f.entries[:min(int64(len(f.entries)), blocks)])

	alloc := f.allocator()
	dirty := make([]int64, 0, len(c.dirty)+1)
	for b := range c.dirty {
		if b < blocks {
			dirty = append(dirty, b)
		}
	}
	// A cut inside a committed block rewrites it so the bytes past the
	// new end read as zeros if the file grows again.
	tail := size % blockSize
	if last := size / blockSize; c.truncate && tail != 0 && c.dirty[last] == nil &&
		last < int64(len(f.entries)) && f.entries[last].Present {
		dirty = append(dirty, last)
	}
	slices.Sort(dirty)
	block := make([]byte, blockSize)
	defer clear(block)
	for _, b := range dirty {
		written := c.dirty[b]
		if written == nil || !written.full() {
			if err := f.readBlock(ctx, b, block); err != nil {
				return err
			}
		}
		if written != nil {
			written.overlay(block)
		}
		if b == blocks-1 && tail != 0 {
			clear(block[tail:])
		}
		slot, mac, err := f.writeSealed(ctx, alloc, block, kindData, uint64(b))
		if err != nil {
			return err
		}
		entries[b] = entry{Present: true, Slot: slot, MAC: mac}
	}
	if len(dirty) > 0 {
		if err := f.fs.store.SyncBlockFile(ctx, f.host); err != nil {
			return fmt.Errorf("syncing data blocks of %s: %w", f.name, err)
		}
	}

	nodes := make([]nodeRef, nodeCount)
	wroteNodes := false
	for n := range nodeCount {
		segment := entries[n*perNode : (n+1)*perNode]
		if n < int64(len(f.nodes)) && slices.Equal(segment, f.entries[n*perNode:(n+1)*perNode]) {
			nodes[n] = f.nodes[n]
			continue
		}
		plain, err := encodeNode(segment, f.blockSize)
		if err != nil {
			return err
		}
		slot, mac, err := f.writeSealed(ctx, alloc, plain, kindNode, uint64(n))
		if err != nil {
			return err
		}
		nodes[n] = nodeRef{Slot: slot, MAC: mac}
		wroteNodes = true
	}
	if wroteNodes {
		if err := f.fs.store.SyncBlockFile(ctx, f.host); err != nil {
			return fmt.Errorf("syncing index nodes of %s: %w", f.name, err)
		}
	}

	slots := highWater(nodes, entries)
	header := f.header
	header.Generation++
	root := rootOf(f.keys, nodes, size, header.Generation)
	meta, err := codec.Marshal(metadata{Size: size, Slots: slots, Nodes: nodes, Root: root})
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	aad, err := header.aad(f.name)
	if err != nil {
		return err
	}
	if header.Metadata, err = f.keys.Seal(nil, meta, aad); err != nil {
		return err
	}
	raw, err := EncodeHeader(header)
	if err != nil {
		return err
	}
	target := 1 - f.active
	if err := f.fs.store.WriteBlock(ctx, f.host, int64(target)*HeaderSize, raw); err != nil {
		return fmt.Errorf("writing header of %s: %w", f.name, err)
	}
	if err := f.fs.store.SyncBlockFile(ctx, f.host); err != nil {
		return fmt.Errorf("syncing header of %s: %w", f.name, err)
	}

	header.Metadata = nil
	f.header = header
	f.active = target
	f.size = size
	f.slots = slots
	f.nodes = nodes
	f.entries = entries
	f.root = root
	f.fs.logger.Debug("protected file committed",
		"file", f.name, "generation", header.Generation, "size", size,
		"data_blocks", len(dirty), "slots", slots)

	if c.truncate {
		// Slots past the new high-water mark are referenced only by
		// the previous generation.
		if err := f.fs.store.TruncateBlockFile(ctx, f.host, slotOffset(slots, f.slotSize)); err != nil {
			f.fs.logger.Warn("shrinking protected file backing store", "file", f.name, "error", err)
		}
	}
	return nil
}

// slotAllocator hands out slots no live index references, lowest
// first.
type slotAllocator struct {
	live map[uint64]bool
	next uint64
}

func (f *file) allocator() *slotAllocator {
	live := make(map[uint64]bool, len(f.nodes)+len(f.entries))
	for _, node := range f.nodes {
		live[node.Slot] = true
	}
	for _, e := range f.entries {
		if e.Present {
			live[e.Slot] = true
		}
	}
	return &slotAllocator{live: live}
}

func (a *slotAllocator) take() uint64 {
	for a.live[a.next] {
		a.next++
	}
	slot := a.next
	a.live[slot] = true
	a.next++
	return slot
}

// highWater returns one past the highest slot referenced.
func highWater(nodes []nodeRef, entries []entry) uint64 {
	var high uint64
	for _, node := range nodes {
		high = max(high, node.Slot+1)
	}
	for _, e := range entries {
		if e.Present {
			high = max(high, e.Slot+1)
		}
	}
	return high
}
