// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pfs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/seal"
)

// Magic opens every header slot.
const Magic = "EPFS"

// FormatVersion is the on-disk layout version.
const FormatVersion = 1

// Block size bounds. A file's block size is fixed when it is created.
const (
	DefaultBlockSize = 4096
	MinBlockSize     = 512
	MaxBlockSize     = 64 << 10
)

// HeaderSize is the size of each of the two header slots.
const HeaderSize = 16 << 10

// prefixSize covers the magic and the big-endian header body length.
const prefixSize = len(Magic) + 4

const fileIDSize = 16

// entrySize bounds the encoded size of one index entry; nodeRefSize
// bounds one node reference in the metadata.
const (
	entrySize   = 64
	nodeRefSize = 48
)

// headerReserve covers the fixed header fields, the metadata's scalar
// fields, and the seal overhead.
const headerReserve = 256

// maxNodes is the number of index nodes one header can reference.
const maxNodes = (HeaderSize - prefixSize - headerReserve) / nodeRefSize

// Slot kinds, bound into each sealed slot's additional data.
const (
	kindData byte = 'D'
	kindNode byte = 'N'
)

var rootDomain = []byte("enclave.pfs.root.v1")

var errMalformedHeader = errors.New("malformed header slot")

// Header is the plaintext of a header slot. Metadata is sealed.
type Header struct {
	Version    uint16 `cbor:"1,keyasint"`
	BlockSize  uint32 `cbor:"2,keyasint"`
	FileID     []byte `cbor:"3,keyasint"`
	Generation uint64 `cbor:"4,keyasint"`
	Metadata   []byte `cbor:"5,keyasint"`
}

// headerAAD authenticates the plaintext header fields and the file's
// name along with the sealed metadata.
type headerAAD struct {
	Version    uint16 `cbor:"1,keyasint"`
	BlockSize  uint32 `cbor:"2,keyasint"`
	FileID     []byte `cbor:"3,keyasint"`
	Generation uint64 `cbor:"4,keyasint"`
	Name       string `cbor:"5,keyasint"`
}

type metadata struct {
	Size  int64     `cbor:"1,keyasint"`
	Slots uint64    `cbor:"2,keyasint"`
	Nodes []nodeRef `cbor:"3,keyasint"`
	Root  seal.MAC  `cbor:"4,keyasint"`
}

type nodeRef struct {
	Slot uint64   `cbor:"1,keyasint"`
	MAC  seal.MAC `cbor:"2,keyasint"`
}

type entry struct {
	Present bool     `cbor:"1,keyasint"`
	Slot    uint64   `cbor:"2,keyasint"`
	MAC     seal.MAC `cbor:"3,keyasint"`
}

type indexNode struct {
	Entries []entry `cbor:"1,keyasint"`
}

// SlotSize returns the size of a block slot for blockSize.
func SlotSize(blockSize int) int {
	return blockSize + seal.Overhead
}

// EntriesPerNode returns how many logical blocks one index node covers.
func EntriesPerNode(blockSize int) int {
	return (blockSize - 16) / entrySize
}

// MaxSize returns the largest logical size a file with blockSize can
// reach.
func MaxSize(blockSize int) int64 {
	return int64(maxNodes) * int64(EntriesPerNode(blockSize)) * int64(blockSize)
}

// ValidBlockSize reports whether size is a power of two within
// [MinBlockSize, MaxBlockSize].
func ValidBlockSize(size int) bool {
	return size >= MinBlockSize && size <= MaxBlockSize && size&(size-1) == 0
}

// EncodeHeader lays out h in a HeaderSize slot.
func EncodeHeader(h Header) ([]byte, error) {
	body, err := codec.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	if prefixSize+len(body) > HeaderSize {
		return nil, fmt.Errorf("header body is %d bytes, slot holds %d", len(body), HeaderSize-prefixSize)
	}
	slot := make([]byte, HeaderSize)
	copy(slot, Magic)
	binary.BigEndian.PutUint32(slot[len(Magic):], uint32(len(body)))
	copy(slot[prefixSize:], body)
	return slot, nil
}

// DecodeHeader parses and checks the plaintext of a header slot read
// from the host. It does not authenticate the metadata.
func DecodeHeader(slot []byte) (Header, error) {
	var h Header
	if len(slot) < prefixSize || string(slot[:len(Magic)]) != Magic {
		return h, fmt.Errorf("%w: bad magic", errMalformedHeader)
	}
	length := int(binary.BigEndian.Uint32(slot[len(Magic):]))
	if length > len(slot)-prefixSize {
		return h, fmt.Errorf("%w: body length %d exceeds slot", errMalformedHeader, length)
	}
	if err := codec.UnmarshalUntrusted(slot[prefixSize:prefixSize+length], &h); err != nil {
		return h, fmt.Errorf("%w: %w", errMalformedHeader, err)
	}
	switch {
	case h.Version != FormatVersion:
		return h, fmt.Errorf("%w: format version %d", errMalformedHeader, h.Version)
	case !ValidBlockSize(int(h.BlockSize)):
		return h, fmt.Errorf("%w: block size %d", errMalformedHeader, h.BlockSize)
	case len(h.FileID) != fileIDSize:
		return h, fmt.Errorf("%w: file id is %d bytes", errMalformedHeader, len(h.FileID))
	case h.Generation == 0:
		return h, fmt.Errorf("%w: generation 0", errMalformedHeader)
	}
	return h, nil
}

func (h Header) aad(name string) ([]byte, error) {
	return codec.Marshal(headerAAD{
		Version:    h.Version,
		BlockSize:  h.BlockSize,
		FileID:     h.FileID,
		Generation: h.Generation,
		Name:       name,
	})
}

// encodeNode pads an encoded index node to exactly blockSize bytes.
func encodeNode(entries []entry, blockSize int) ([]byte, error) {
	body, err := codec.Marshal(indexNode{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("encoding index node: %w", err)
	}
	if 4+len(body) > blockSize {
		return nil, fmt.Errorf("index node is %d bytes, block holds %d", len(body), blockSize-4)
	}
	plain := make([]byte, blockSize)
	binary.BigEndian.PutUint32(plain, uint32(len(body)))
	copy(plain[4:], body)
	return plain, nil
}

// decodeNode parses an authenticated index node.
func decodeNode(plain []byte, perNode int) ([]entry, error) {
	if len(plain) < 4 {
		return nil, errors.New("index node too short")
	}
	length := int(binary.BigEndian.Uint32(plain))
	if length > len(plain)-4 {
		return nil, fmt.Errorf("index node length %d exceeds block", length)
	}
	var node indexNode
	if err := codec.Unmarshal(plain[4:4+length], &node); err != nil {
		return nil, fmt.Errorf("decoding index node: %w", err)
	}
	if len(node.Entries) != perNode {
		return nil, fmt.Errorf("index node has %d entries, want %d", len(node.Entries), perNode)
	}
	return node.Entries, nil
}

// slotAAD binds a sealed slot to its file, kind, and logical position.
func slotAAD(fileID []byte, kind byte, index uint64) []byte {
	aad := make([]byte, 0, len(fileID)+9)
	aad = append(aad, fileID...)
	aad = append(aad, kind)
	return binary.BigEndian.AppendUint64(aad, index)
}

// rootOf folds the index node MACs into the file's integrity root,
// bound to size and generation.
func rootOf(keys *seal.Keys, nodes []nodeRef, size int64, generation uint64) seal.MAC {
	macs := make([]seal.MAC, len(nodes))
	for i, node := range nodes {
		macs[i] = node.MAC
	}
	tree := keys.Root(macs)
	var tail [16]byte
	binary.BigEndian.PutUint64(tail[:8], uint64(size))
	binary.BigEndian.PutUint64(tail[8:], generation)
	return keys.MAC(rootDomain, tree[:], tail[:])
}

func slotOffset(slot uint64, slotSize int) int64 {
	return 2*HeaderSize + int64(slot)*int64(slotSize)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
