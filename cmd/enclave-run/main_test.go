// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/enclave/lib/config"
	"github.com/bureau-foundation/enclave/lib/enclave"
	"github.com/bureau-foundation/enclave/lib/symtab"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.HeapSize = 8 << 20
	cfg.Memory.SharedSize = 4 << 20
	cfg.Threads.Max = 8
	cfg.Storage.Dir = t.TempDir()
	cfg.Features = []string{"thread"}
	return cfg
}

func TestWorkloadVerifies(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runtime, err := enclave.New(cfg, enclave.ReferenceHost(cfg, logger), enclave.Options{
		Logger: logger,
		Exit:   func(int) {},
	})
	if err != nil {
		t.Fatalf("enclave.New: %v", err)
	}
	defer runtime.Close()

	w := &workload{
		runtime:         runtime,
		logger:          logger,
		name:            "workload",
		threads:         4,
		blocksPerThread: 3,
		blockSize:       cfg.Storage.BlockSize,
	}
	if err := runtime.Run(context.Background(), w.run); err != nil {
		t.Fatalf("workload: %v", err)
	}

	info, err := os.Stat(filepath.Join(cfg.Storage.Dir, "workload"))
	if err != nil {
		t.Fatalf("backing file: %v", err)
	}
	if info.Size() < w.region(w.threads) {
		t.Errorf("backing file is %d bytes, smaller than the %d bytes of plaintext", info.Size(), w.region(w.threads))
	}
}

func TestServeMetrics(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runtime, err := enclave.New(cfg, enclave.ReferenceHost(cfg, logger), enclave.Options{
		Logger: logger,
		Exit:   func(int) {},
	})
	if err != nil {
		t.Fatalf("enclave.New: %v", err)
	}
	defer runtime.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	shutdown, err := serveMetrics(listener, runtime, logger)
	if err != nil {
		t.Fatalf("serveMetrics: %v", err)
	}
	defer shutdown()

	response, err := http.Get("http://" + listener.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", response.StatusCode, body)
	}
	for _, name := range []string{"enclave_boundary_crossings_total", `enclave_heap_arena_bytes{heap="shared"}`, "enclave_pfs_cache_hits_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output lacks %s", name)
		}
	}
}

func TestRuntimeOptionsLoadsSymbolTable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	options, err := runtimeOptions(logger, "")
	if err != nil || options.SymbolTable != nil {
		t.Fatalf("runtimeOptions without a table = (%+v, %v)", options, err)
	}

	table, err := symtab.New([]symtab.Entry{{Start: 0x1000, End: 0x1100, Name: "main.run"}})
	if err != nil {
		t.Fatalf("symtab.New: %v", err)
	}
	blob, err := table.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "enclave.symtab")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	options, err = runtimeOptions(logger, path)
	if err != nil {
		t.Fatalf("runtimeOptions: %v", err)
	}

	cfg := testConfig(t)
	options.Exit = func(int) {}
	runtime, err := enclave.New(cfg, enclave.ReferenceHost(cfg, logger), options)
	if err != nil {
		t.Fatalf("enclave.New with symbol table: %v", err)
	}
	runtime.Close()

	if _, err := runtimeOptions(logger, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing symbol table accepted")
	}
}
