// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/bureau-foundation/enclave/lib/heap"
)

// ReadFromPath reads a hex-encoded key from path into a new buffer.
// Surrounding whitespace is ignored. Every intermediate copy is zeroed
// before returning.
func ReadFromPath(allocator *heap.Allocator, path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer Zero(data)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: %s is empty", path)
	}

	decoded := make([]byte, hex.DecodedLen(len(trimmed)))
	defer Zero(decoded)
	n, err := hex.Decode(decoded, trimmed)
	if err != nil {
		return nil, fmt.Errorf("secret: decoding %s: %w", path, err)
	}
	return NewFromBytes(allocator, decoded[:n])
}
