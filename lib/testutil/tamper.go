// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// FlipBit inverts one bit of the file at path, in place. Offsets are
// in bytes; bit selects the bit within that byte.
//
//	testutil.FlipBit(t, backingPath, slotOffset+40, 3)
func FlipBit(t *testing.T, path string, offset int64, bit uint) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer file.Close()
	var b [1]byte
	if _, err := file.ReadAt(b[:], offset); err != nil {
		t.Fatalf("reading %s at %d: %v", path, offset, err)
	}
	b[0] ^= 1 << (bit % 8)
	if _, err := file.WriteAt(b[:], offset); err != nil {
		t.Fatalf("writing %s at %d: %v", path, offset, err)
	}
}

// CopyFile copies src to dst, replacing dst. Tests use it to snapshot a
// backing file and later roll it back.
func CopyFile(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("reading %s: %v", src, err)
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		t.Fatalf("writing %s: %v", dst, err)
	}
}
