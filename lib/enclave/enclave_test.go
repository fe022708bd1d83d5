// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package enclave

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/enclave/lib/abortfile"
	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/config"
	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/host"
	"github.com/bureau-foundation/enclave/lib/region"
	"github.com/bureau-foundation/enclave/lib/seal"
	"github.com/bureau-foundation/enclave/lib/sealed"
	"github.com/bureau-foundation/enclave/lib/thread"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.HeapSize = 4 << 20
	cfg.Memory.SharedSize = 2 << 20
	cfg.Threads.Max = 16
	cfg.Storage.Dir = t.TempDir()
	cfg.Features = []string{"thread", "pipe", "stdio", "untrusted_time", "backtrace"}
	return cfg
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) calls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturingHost builds the reference host and remembers it.
func capturingHost(cfg *config.Config, into **host.Dispatcher) HostFactory {
	return func(space *region.Space) (Host, error) {
		dispatcher, err := host.New(host.Config{
			Space:      space,
			StorageDir: cfg.Storage.Dir,
			MaxThreads: cfg.Threads.Max,
			Logger:     discard(),
		})
		*into = dispatcher
		return dispatcher, err
	}
}

func newRuntime(t *testing.T, cfg *config.Config, options Options) *Runtime {
	t.Helper()
	if options.Logger == nil {
		options.Logger = discard()
	}
	if options.Exit == nil {
		options.Exit = (&exitRecorder{}).exit
	}
	runtime, err := New(cfg, ReferenceHost(cfg, options.Logger), options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { runtime.Close() })
	return runtime
}

func TestLoadOnce(t *testing.T) {
	cfg := testConfig(t)
	options := Options{Logger: discard(), Exit: (&exitRecorder{}).exit}

	first, err := Load(cfg, ReferenceHost(cfg, options.Logger), options)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Current() != first {
		t.Fatal("Current does not return the loaded runtime")
	}
	if fault.Installed() != first.Faults() {
		t.Error("fault handler not installed")
	}

	if _, err := Load(cfg, ReferenceHost(cfg, options.Logger), options); !errors.Is(err, ErrLoaded) {
		t.Fatalf("second Load error = %v, want ErrLoaded", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if Current() != nil || fault.Installed() != nil {
		t.Fatal("closed runtime still current")
	}

	second, err := Load(cfg, ReferenceHost(cfg, options.Logger), options)
	if err != nil {
		t.Fatalf("Load after Close: %v", err)
	}
	second.Close()
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.BlockSize = 1000
	if _, err := New(cfg, ReferenceHost(cfg, discard()), Options{}); err == nil {
		t.Fatal("New accepted an invalid block size")
	}
}

func TestProtectedFileSurvivesReload(t *testing.T) {
	cfg := testConfig(t)
	key := bytes.Repeat([]byte{0x42}, seal.KeySize)
	payload := []byte("ledger entry 1\nledger entry 2\n")

	writer := newRuntime(t, cfg, Options{MasterKey: bytes.Clone(key)})
	err := writer.Run(context.Background(), func(ctx context.Context) error {
		file, err := writer.OpenFile(ctx, "ledger", os.O_RDWR|os.O_CREATE)
		if err != nil {
			return err
		}
		if _, err := file.Write(ctx, payload); err != nil {
			return err
		}
		return file.Close(ctx)
	})
	if err != nil {
		t.Fatalf("writing: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reader := newRuntime(t, cfg, Options{MasterKey: bytes.Clone(key)})
	var got []byte
	err = reader.Run(context.Background(), func(ctx context.Context) error {
		file, err := reader.OpenFile(ctx, "ledger", os.O_RDONLY)
		if err != nil {
			return err
		}
		defer file.Close(ctx)
		size, err := file.Size(ctx)
		if err != nil {
			return err
		}
		got = make([]byte, size)
		_, err = file.ReadAt(ctx, got, 0)
		return err
	})
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %q, want %q", got, payload)
	}
}

func TestRandomKeyDoesNotOpenOtherLoadsFiles(t *testing.T) {
	cfg := testConfig(t)

	writer := newRuntime(t, cfg, Options{})
	err := writer.Run(context.Background(), func(ctx context.Context) error {
		file, err := writer.OpenFile(ctx, "scratch", os.O_RDWR|os.O_CREATE)
		if err != nil {
			return err
		}
		return file.Close(ctx)
	})
	if err != nil {
		t.Fatalf("writing: %v", err)
	}
	writer.Close()

	reader := newRuntime(t, cfg, Options{})
	err = reader.Run(context.Background(), func(ctx context.Context) error {
		_, err := reader.OpenFile(ctx, "scratch", os.O_RDONLY)
		return err
	})
	if !errors.Is(err, fault.ErrIntegrityViolation) {
		t.Fatalf("open under a different key: %v, want ErrIntegrityViolation", err)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	runtime := newRuntime(t, testConfig(t), Options{})

	cleaned := false
	err := runtime.Run(context.Background(), func(ctx context.Context) error {
		defer func() { cleaned = true }()
		panic("index out of range in request parser")
	})
	var panicErr *fault.PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("Run error = %v, want PanicError", err)
	}
	if !cleaned {
		t.Error("deferred cleanup did not run")
	}
	if runtime.Faults().Aborted() {
		t.Error("an unwound panic aborted the enclave")
	}
}

func TestSpawnedThreadsShareMutex(t *testing.T) {
	runtime := newRuntime(t, testConfig(t), Options{})

	const workers = 4
	const rounds = 100
	mutex := runtime.NewMutex()
	counter := 0
	err := runtime.Run(context.Background(), func(ctx context.Context) error {
		var errs []error
		var errsMu sync.Mutex
		record := func(err error) {
			errsMu.Lock()
			errs = append(errs, err)
			errsMu.Unlock()
		}
		var handles []*thread.Handle
		for range workers {
			handle, err := runtime.Spawn(ctx, func(ctx context.Context) {
				for range rounds {
					if err := mutex.Lock(ctx); err != nil {
						record(err)
						return
					}
					counter++
					if err := mutex.Unlock(ctx); err != nil {
						record(err)
						return
					}
				}
			})
			if err != nil {
				return err
			}
			handles = append(handles, handle)
		}
		for _, handle := range handles {
			if err := runtime.Join(ctx, handle); err != nil {
				record(err)
			}
		}
		errsMu.Lock()
		defer errsMu.Unlock()
		return errors.Join(errs...)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counter != workers*rounds {
		t.Fatalf("counter = %d, want %d", counter, workers*rounds)
	}
}

func TestFeatureGating(t *testing.T) {
	cfg := testConfig(t)
	cfg.Features = nil
	runtime := newRuntime(t, cfg, Options{})

	if runtime.Net() != nil {
		t.Error("shims built with net, pipe, and stdio disabled")
	}
	err := runtime.Run(context.Background(), func(ctx context.Context) error {
		if _, err := runtime.HostTime(ctx); !errors.Is(err, boundary.ErrFeatureDisabled) {
			t.Errorf("HostTime error = %v, want ErrFeatureDisabled", err)
		}
		if _, err := runtime.OpenUntrusted(ctx, "/etc/hostname", os.O_RDONLY, 0); !errors.Is(err, boundary.ErrFeatureDisabled) {
			t.Errorf("OpenUntrusted error = %v, want ErrFeatureDisabled", err)
		}
		// Protected files are core.
		file, err := runtime.OpenFile(ctx, "core", os.O_RDWR|os.O_CREATE)
		if err != nil {
			return err
		}
		return file.Close(ctx)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestHostTimeIsMonotone(t *testing.T) {
	runtime := newRuntime(t, testConfig(t), Options{})
	err := runtime.Run(context.Background(), func(ctx context.Context) error {
		first, err := runtime.HostTime(ctx)
		if err != nil {
			return err
		}
		second, err := runtime.HostTime(ctx)
		if err != nil {
			return err
		}
		if second.Before(first) {
			t.Errorf("host time went backwards: %v then %v", first, second)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestViolationDeliversSealedReport(t *testing.T) {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	cfg := testConfig(t)
	cfg.Operators.Recipients = []string{keypair.Recipient}

	var dispatcher *host.Dispatcher
	exits := &exitRecorder{}
	runtime, err := Load(cfg, capturingHost(cfg, &dispatcher), Options{Logger: discard(), Exit: exits.exit})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer runtime.Close()

	var afterAbort error
	err = runtime.Run(context.Background(), func(ctx context.Context) error {
		defer func() { _, afterAbort = runtime.HostTime(ctx) }()
		fault.Violate("free list corrupted at span %d", 7)
		return nil
	})
	var panicErr *fault.PanicError
	if !errors.As(err, &panicErr) || panicErr.State != fault.Aborted {
		t.Fatalf("Run error = %v, want aborted PanicError", err)
	}
	if got := exits.calls(); len(got) != 1 || got[0] != fault.AbortExitCode {
		t.Errorf("exit calls = %v, want [%d]", got, fault.AbortExitCode)
	}

	aborts := dispatcher.Aborts()
	if len(aborts) != 1 {
		t.Fatalf("host received %d abort reports, want 1", len(aborts))
	}
	if bytes.Contains(aborts[0].Sealed, []byte("free list")) {
		t.Error("cause text visible to the host")
	}
	record, err := fault.OpenReport(fault.Report{
		Kind:   fault.Kind(aborts[0].Kind),
		Sealed: aborts[0].Sealed,
	}, keypair.Identity)
	if err != nil {
		t.Fatalf("OpenReport: %v", err)
	}
	if record.Cause != "free list corrupted at span 7" {
		t.Errorf("sealed cause = %q", record.Cause)
	}

	// Nothing crosses after the abort.
	if !errors.Is(afterAbort, fault.ErrAborted) {
		t.Errorf("host time after abort: %v, want ErrAborted", afterAbort)
	}
}

func TestReferenceHostPersistsAbortReport(t *testing.T) {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	cfg := testConfig(t)
	cfg.Operators.Recipients = []string{keypair.Recipient}
	runtime := newRuntime(t, cfg, Options{})

	runtime.Run(context.Background(), func(ctx context.Context) error {
		fault.Exhausted("no span for %d bytes", 4096)
		return nil
	})

	state, found, err := abortfile.Check(abortfile.Path(cfg.Storage.Dir), time.Hour)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !found {
		t.Fatal("no abort report persisted")
	}
	if state.Kind != fault.KindExhausted {
		t.Errorf("persisted kind = %s, want exhausted", state.Kind)
	}
	record, err := state.Open(keypair.Identity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if record.Cause != "no span for 4096 bytes" {
		t.Errorf("sealed cause = %q", record.Cause)
	}
}

func TestKeyFileSealsAcrossLoads(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.KeyFile = filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(cfg.Storage.KeyFile, []byte(strings.Repeat("5a", seal.KeySize)+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	writer := newRuntime(t, cfg, Options{})
	err := writer.Run(context.Background(), func(ctx context.Context) error {
		file, err := writer.OpenFile(ctx, "keyed", os.O_RDWR|os.O_CREATE)
		if err != nil {
			return err
		}
		if _, err := file.Write(ctx, []byte("sealed under the key file")); err != nil {
			return err
		}
		return file.Close(ctx)
	})
	if err != nil {
		t.Fatalf("writing: %v", err)
	}
	writer.Close()

	// The same bytes passed directly open the file.
	reader := newRuntime(t, cfg, Options{MasterKey: bytes.Repeat([]byte{0x5a}, seal.KeySize)})
	err = reader.Run(context.Background(), func(ctx context.Context) error {
		file, err := reader.OpenFile(ctx, "keyed", os.O_RDONLY)
		if err != nil {
			return err
		}
		return file.Close(ctx)
	})
	if err != nil {
		t.Fatalf("reopening with the same key: %v", err)
	}
}
