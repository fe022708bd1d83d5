// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ufs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/enclavetest"
)

func TestReadWrite(t *testing.T) {
	rig := enclavetest.New(t, enclavetest.Options{})
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "plain.dat")

	file, err := Open(ctx, rig.Gateway, path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := bytes.Repeat([]byte{0xC3}, boundary.MaxTransfer+100)
	if n, err := file.WriteAt(ctx, payload, 10); err != nil || n != len(payload) {
		t.Fatalf("WriteAt = (%d, %v)", n, err)
	}
	size, err := file.Size(ctx)
	if err != nil || size != int64(len(payload))+10 {
		t.Errorf("Size = (%d, %v), want %d", size, err, len(payload)+10)
	}

	duplicate, err := file.Dup(ctx)
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if err := file.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := file.Close(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}

	got := make([]byte, len(payload))
	if _, err := duplicate.ReadAt(ctx, got, 10); err != nil {
		t.Fatalf("ReadAt through duplicate: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("read bytes differ from written bytes")
	}
	tail := make([]byte, 20)
	if n, err := duplicate.ReadAt(ctx, tail, size-5); n != 5 || err != io.EOF {
		t.Errorf("ReadAt past end = (%d, %v), want (5, EOF)", n, err)
	}
	duplicate.Close(ctx)

	whole, err := ReadFile(ctx, rig.Gateway, path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(whole) != int(size) {
		t.Errorf("ReadFile returned %d bytes, want %d", len(whole), size)
	}
}

func TestOpenMissing(t *testing.T) {
	rig := enclavetest.New(t, enclavetest.Options{})
	_, err := Open(context.Background(), rig.Gateway, filepath.Join(t.TempDir(), "absent"), os.O_RDONLY, 0)
	if !errors.Is(err, syscall.ENOENT) {
		t.Errorf("Open(absent) = %v, want ENOENT", err)
	}
}

func TestFeatureDisabled(t *testing.T) {
	rig := enclavetest.New(t, enclavetest.Options{Features: boundary.FeatureCore})
	path := filepath.Join(t.TempDir(), "x")
	if _, err := Open(context.Background(), rig.Gateway, path, os.O_RDWR|os.O_CREATE, 0o600); err == nil {
		t.Error("Open succeeded with untrusted_fs disabled")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("host created the file despite the refused crossing")
	}
}
