// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package seal

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bureau-foundation/enclave/lib/heap"
	"github.com/bureau-foundation/enclave/lib/region"
	"github.com/bureau-foundation/enclave/lib/secret"
)

func newMaster(t *testing.T, keyByte byte) (*Master, *heap.Allocator) {
	t.Helper()
	enclave, err := region.Reserve(16*heap.PageSize, region.Options{})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	t.Cleanup(func() { enclave.Release() })
	allocator, err := heap.NewEnclave(enclave)
	if err != nil {
		t.Fatalf("NewEnclave: %v", err)
	}
	key, err := secret.NewFromBytes(allocator, bytes.Repeat([]byte{keyByte}, KeySize))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	master, err := NewMaster(allocator, key)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	t.Cleanup(func() { master.Close() })
	return master, allocator
}

func fileKeys(t *testing.T, master *Master, fileID string) *Keys {
	t.Helper()
	keys, err := master.FileKeys([]byte(fileID))
	if err != nil {
		t.Fatalf("FileKeys: %v", err)
	}
	t.Cleanup(func() { keys.Close() })
	return keys
}

func TestSealOpen(t *testing.T) {
	master, _ := newMaster(t, 0x42)
	keys := fileKeys(t, master, "file-1")

	plaintext := bytes.Repeat([]byte("block"), 100)
	sealed, err := keys.Seal(nil, plaintext, []byte("slot-7"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(sealed) != len(plaintext)+Overhead {
		t.Errorf("sealed length = %d, want %d", len(sealed), len(plaintext)+Overhead)
	}
	if sealed[0] != Version {
		t.Errorf("version byte = %d", sealed[0])
	}

	opened, err := keys.Open(nil, sealed, []byte("slot-7"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Error("Open did not round-trip")
	}

	// Nonces are random: sealing twice differs.
	again, err := keys.Seal(nil, plaintext, []byte("slot-7"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(sealed, again) {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestOpenRejects(t *testing.T) {
	master, _ := newMaster(t, 0x42)
	keys := fileKeys(t, master, "file-1")
	otherFile := fileKeys(t, master, "file-2")
	otherMaster, _ := newMaster(t, 0x43)
	otherMasterKeys := fileKeys(t, otherMaster, "file-1")

	sealed, err := keys.Seal(nil, []byte("payload"), []byte("aad"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	flipped := bytes.Clone(sealed)
	flipped[len(flipped)-20] ^= 0x01
	badVersion := bytes.Clone(sealed)
	badVersion[0] = 0x02

	tests := []struct {
		name   string
		keys   *Keys
		sealed []byte
		aad    string
	}{
		{"bit flip", keys, flipped, "aad"},
		{"version", keys, badVersion, "aad"},
		{"wrong aad", keys, sealed, "other"},
		{"other file", otherFile, sealed, "aad"},
		{"other master", otherMasterKeys, sealed, "aad"},
		{"truncated", keys, sealed[:Overhead-1], "aad"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := test.keys.Open(nil, test.sealed, []byte(test.aad)); !errors.Is(err, ErrAuthentication) {
				t.Errorf("Open = %v, want ErrAuthentication", err)
			}
		})
	}
}

func TestMACAndRoot(t *testing.T) {
	master, _ := newMaster(t, 0x42)
	keys := fileKeys(t, master, "file-1")
	otherFile := fileKeys(t, master, "file-2")

	mac := keys.MAC([]byte("a"), []byte("bc"))
	if mac != keys.MAC([]byte("abc")) {
		t.Error("MAC of parts differs from MAC of concatenation")
	}
	if !keys.Verify(mac, []byte("abc")) || keys.Verify(mac, []byte("abd")) {
		t.Error("Verify gave the wrong answer")
	}
	if mac == otherFile.MAC([]byte("abc")) {
		t.Error("MAC keys are not separated per file")
	}

	leaves := []MAC{keys.MAC([]byte("0")), keys.MAC([]byte("1")), keys.MAC([]byte("2"))}
	root := keys.Root(leaves)
	if root != keys.Root(leaves) {
		t.Error("Root is not deterministic")
	}
	if keys.Root(leaves[:1]) != leaves[0] {
		t.Error("single-leaf root should be the leaf")
	}

	reordered := []MAC{leaves[1], leaves[0], leaves[2]}
	if keys.Root(reordered) == root {
		t.Error("Root ignores leaf order")
	}
	// An odd leaf is promoted, not duplicated.
	if keys.Root(append(leaves[:3:3], leaves[2])) == root {
		t.Error("duplicating the odd leaf gives the same root")
	}
	if keys.Root(nil) == keys.Root(leaves[:1]) {
		t.Error("empty root collides with a one-leaf root")
	}
}

func TestNewMasterRejectsShortKey(t *testing.T) {
	_, allocator := newMaster(t, 0x42)
	short, err := secret.New(allocator, 16)
	if err != nil {
		t.Fatalf("secret.New: %v", err)
	}
	defer short.Close()
	if _, err := NewMaster(allocator, short); err == nil {
		t.Error("NewMaster accepted a 16-byte key")
	}
}
