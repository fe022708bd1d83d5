// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte measurement.
type Digest [32]byte

// measurementKey separates binary measurements from every other
// BLAKE3 use in the enclave. ASCII, zero-padded to 32 bytes.
var measurementKey = [32]byte{
	'b', 'u', 'r', 'e', 'a', 'u', '.', 'e', 'n', 'c', 'l', 'a', 'v', 'e', '.',
	'm', 'e', 'a', 's', 'u', 'r', 'e', 'm', 'e', 'n', 't', 0, 0, 0, 0, 0, 0,
}

// HashFile computes the measurement of the file at path. The file is
// streamed through the hash function in chunks (via io.Copy) to keep
// memory usage constant regardless of file size.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()
	return Hash(file)
}

// Hash computes the measurement of everything read from reader.
func Hash(reader io.Reader) (Digest, error) {
	hasher, err := blake3.NewKeyed(measurementKey[:])
	if err != nil {
		panic("binhash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	if _, err := io.Copy(hasher, reader); err != nil {
		return Digest{}, fmt.Errorf("hashing: %w", err)
	}
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// Self returns the measurement and path of the running binary. On
// Linux os.Executable reads /proc/self/exe, which names the binary the
// process was started from even if it was replaced on disk since.
func Self() (Digest, string, error) {
	executable, err := os.Executable()
	if err != nil {
		return Digest{}, "", fmt.Errorf("resolving own executable path: %w", err)
	}
	digest, err := HashFile(executable)
	if err != nil {
		return Digest{}, "", fmt.Errorf("hashing own binary at %s: %w", executable, err)
	}
	return digest, executable, nil
}

// String returns the canonical hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses a hex-encoded digest string. Returns an error if
// the string is not a valid 64-character hex encoding of 32 bytes.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing measurement: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("measurement is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}
