// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/enclave/lib/heap"
	"github.com/bureau-foundation/enclave/lib/secret"
)

// KeySize is the size of the master key and every derived key.
const KeySize = 32

// MACSize is the size of a MAC and of a Merkle root.
const MACSize = 32

// Version is the first byte of every sealed blob. It is part of the
// authenticated data.
const Version byte = 0x01

// Overhead is the size difference between a sealed blob and its
// plaintext.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// ErrAuthentication reports a sealed blob that does not open under
// the key and additional data given.
var ErrAuthentication = errors.New("sealed data failed authentication")

// HKDF info strings; changing one invalidates every file sealed under
// it.
var (
	hkdfInfoEncryption = []byte("enclave.pfs.enc.v1")
	hkdfInfoMAC        = []byte("enclave.pfs.mac.v1")
)

// merkleDomain prefixes interior Merkle nodes so a node hash can never
// equal a leaf MAC.
var merkleDomain = []byte("enclave.pfs.node.v1")

// MAC is a keyed BLAKE3 digest.
type MAC [MACSize]byte

// Master holds the enclave master key.
type Master struct {
	heap *heap.Allocator
	key  *secret.Buffer
}

// NewMaster takes ownership of key, which must be KeySize bytes.
// Derived keys are allocated from allocator.
func NewMaster(allocator *heap.Allocator, key *secret.Buffer) (*Master, error) {
	if key.Len() != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, key.Len())
	}
	return &Master{heap: allocator, key: key}, nil
}

// Close zeroes and releases the master key. Idempotent.
func (m *Master) Close() error {
	return m.key.Close()
}

// FileKeys derives the encryption and MAC keys for one file. The
// caller must Close the result.
func (m *Master) FileKeys(fileID []byte) (*Keys, error) {
	encryption, err := m.derive(hkdfInfoEncryption, fileID)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}
	mac, err := m.derive(hkdfInfoMAC, fileID)
	if err != nil {
		encryption.Close()
		return nil, fmt.Errorf("deriving MAC key: %w", err)
	}
	return &Keys{encryption: encryption, mac: mac}, nil
}

func (m *Master) derive(domain, fileID []byte) (*secret.Buffer, error) {
	info := make([]byte, 0, len(domain)+len(fileID))
	info = append(info, domain...)
	info = append(info, fileID...)

	derived, err := secret.New(m.heap, KeySize)
	if err != nil {
		return nil, err
	}
	reader := hkdf.New(sha256.New, m.key.Bytes(), nil, info)
	if _, err := io.ReadFull(reader, derived.Bytes()); err != nil {
		derived.Close()
		return nil, fmt.Errorf("HKDF expansion: %w", err)
	}
	return derived, nil
}

// Keys seals, opens and MACs for one file.
type Keys struct {
	encryption *secret.Buffer
	mac        *secret.Buffer
}

// Close releases both keys. Idempotent.
func (k *Keys) Close() error {
	k.encryption.Close()
	return k.mac.Close()
}

// Seal appends the sealed form of plaintext to dst and returns the
// extended slice. len(result)-len(dst) is len(plaintext)+Overhead.
func (k *Keys) Seal(dst, plaintext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.encryption.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	dst = append(dst, Version)
	dst = append(dst, nonce[:]...)
	return aead.Seal(dst, nonce[:], plaintext, buildAAD(additional)), nil
}

// Open authenticates and decrypts sealed, appending the plaintext to
// dst. Any failure, including a wrong version byte, is
// [ErrAuthentication].
func (k *Keys) Open(dst, sealed, additional []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("sealed blob is %d bytes, minimum is %d: %w", len(sealed), Overhead, ErrAuthentication)
	}
	if sealed[0] != Version {
		return nil, fmt.Errorf("sealed blob version %d: %w", sealed[0], ErrAuthentication)
	}
	aead, err := chacha20poly1305.NewX(k.encryption.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(dst, nonce, ciphertext, buildAAD(additional))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// MAC computes the keyed BLAKE3 MAC of the concatenation of parts.
func (k *Keys) MAC(parts ...[]byte) MAC {
	hasher := k.hasher()
	for _, part := range parts {
		hasher.Write(part)
	}
	var mac MAC
	copy(mac[:], hasher.Sum(nil))
	return mac
}

// Verify reports, in constant time, whether mac is the MAC of parts.
func (k *Keys) Verify(mac MAC, parts ...[]byte) bool {
	computed := k.MAC(parts...)
	return subtle.ConstantTimeCompare(computed[:], mac[:]) == 1
}

// Root folds macs into a binary Merkle root. Adjacent pairs are hashed
// under the MAC key with a node domain prefix; an odd node is promoted
// to the next level unchanged. The root of an empty list is the MAC of
// the bare domain prefix.
func (k *Keys) Root(macs []MAC) MAC {
	if len(macs) == 0 {
		return k.MAC(merkleDomain)
	}
	if len(macs) == 1 {
		return macs[0]
	}

	hasher := k.hasher()
	level := make([]MAC, len(macs))
	copy(level, macs)
	for len(level) > 1 {
		nextLength := (len(level) + 1) / 2
		next := make([]MAC, nextLength)
		for i := 0; i < len(level)-1; i += 2 {
			hasher.Reset()
			hasher.Write(merkleDomain)
			hasher.Write(level[i][:])
			hasher.Write(level[i+1][:])
			copy(next[i/2][:], hasher.Sum(nil))
		}
		if len(level)%2 == 1 {
			next[nextLength-1] = level[len(level)-1]
		}
		level = next
	}
	return level[0]
}

func (k *Keys) hasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(k.mac.Bytes())
	if err != nil {
		panic("seal: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

func buildAAD(additional []byte) []byte {
	aad := make([]byte, 1+len(additional))
	aad[0] = Version
	copy(aad[1:], additional)
	return aad
}
