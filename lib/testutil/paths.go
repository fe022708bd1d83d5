// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// SocketPath returns a path for a Unix socket named name inside a
// fresh directory under /tmp, removed when the test ends. sun_path
// holds 108 bytes and a test runner's TMPDIR can be deeper than that,
// so t.TempDir is not used.
func SocketPath(t *testing.T, name string) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "enclave-sock-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(directory) })
	path := filepath.Join(directory, name)
	if len(path) >= 108 {
		t.Fatalf("socket path %s exceeds sun_path", path)
	}
	return path
}

var backingFiles atomic.Uint64

// BackingName returns a protected-file or block-store name no other
// call in this test binary returns: "prefix-1", "prefix-2", ... Use it
// when several tests share one storage directory.
func BackingName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, backingFiles.Add(1))
}
