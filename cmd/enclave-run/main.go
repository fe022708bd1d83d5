// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/enclave/lib/abortfile"
	"github.com/bureau-foundation/enclave/lib/binhash"
	"github.com/bureau-foundation/enclave/lib/config"
	"github.com/bureau-foundation/enclave/lib/enclave"
	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/pfs"
	"github.com/bureau-foundation/enclave/lib/process"
	"github.com/bureau-foundation/enclave/lib/thread"
	"github.com/bureau-foundation/enclave/lib/version"
)

const exitIntegrity = 3

// abortReportAge is how long a previous load's abort report is worth
// mentioning at startup.
const abortReportAge = 7 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var storageDir string
	var threads int
	var blocksPerThread int
	var fileName string
	var metricsListen string
	var symbolTablePath string

	flagSet := pflag.NewFlagSet("enclave-run", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to enclave.yaml (default: $"+config.EnvVar+")")
	flagSet.StringVar(&storageDir, "storage", "", "override storage.dir")
	flagSet.IntVar(&threads, "threads", 8, "enclave threads writing the shared file")
	flagSet.IntVar(&blocksPerThread, "blocks", 16, "blocks each thread writes")
	flagSet.StringVar(&fileName, "file", "workload", "protected file name")
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	flagSet.StringVar(&symbolTablePath, "symbol-table", "", "encoded symbol table to resolve abort backtraces with instead of the binary's pclntab")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match the other binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("enclave-run")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if threads < 1 || blocksPerThread < 1 {
		return fmt.Errorf("--threads and --blocks must be positive")
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if storageDir != "" {
		cfg.Storage.Dir = storageDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if measurement, executable, err := binhash.Self(); err != nil {
		logger.Warn("measuring own binary failed", "error", err)
	} else {
		logger.Info("enclave binary",
			"version", version.Info(),
			"path", executable,
			"measurement", measurement.String(),
		)
	}

	reportPath := abortfile.Path(cfg.Storage.Dir)
	if previous, found, err := abortfile.Check(reportPath, abortReportAge); err != nil {
		logger.Warn("reading previous abort report failed", "path", reportPath, "error", err)
	} else if found {
		logger.Warn("previous load aborted",
			"kind", previous.Kind.String(),
			"at", previous.Timestamp,
			"sealed", len(previous.Sealed) > 0,
			"report", reportPath,
		)
	}

	if cfg.Storage.KeyFile == "" {
		logger.Warn("no storage.key_file configured; sealing under a random key")
	}

	options, err := runtimeOptions(logger, symbolTablePath)
	if err != nil {
		return err
	}
	runtime, err := enclave.Load(cfg, enclave.ReferenceHost(cfg, logger), options)
	if err != nil {
		return err
	}
	defer runtime.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsListen != "" {
		listener, err := net.Listen("tcp", metricsListen)
		if err != nil {
			return fmt.Errorf("listening for metrics on %s: %w", metricsListen, err)
		}
		shutdown, err := serveMetrics(listener, runtime, logger)
		if err != nil {
			listener.Close()
			return err
		}
		defer shutdown()
	}

	workload := &workload{
		runtime:         runtime,
		logger:          logger,
		name:            fileName,
		threads:         threads,
		blocksPerThread: blocksPerThread,
		blockSize:       cfg.Storage.BlockSize,
	}
	err = runtime.Run(ctx, workload.run)
	if errors.Is(err, fault.ErrIntegrityViolation) {
		return process.WithCode(exitIntegrity, err)
	}
	return err
}

// runtimeOptions builds the load options, reading the shipped symbol
// table when one is named.
func runtimeOptions(logger *slog.Logger, symbolTablePath string) (enclave.Options, error) {
	options := enclave.Options{Logger: logger}
	if symbolTablePath == "" {
		return options, nil
	}
	table, err := os.ReadFile(symbolTablePath)
	if err != nil {
		return options, fmt.Errorf("reading symbol table: %w", err)
	}
	options.SymbolTable = table
	return options, nil
}

// workload writes a protected file from several enclave threads and
// verifies it from the main thread.
type workload struct {
	runtime         *enclave.Runtime
	logger          *slog.Logger
	name            string
	threads         int
	blocksPerThread int
	blockSize       int
}

func (w *workload) run(ctx context.Context) error {
	file, err := w.runtime.OpenFile(ctx, w.name, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if err := file.Close(ctx); err != nil {
		return err
	}

	handles := make([]*thread.Handle, 0, w.threads)
	failures := make([]error, w.threads)
	for index := range w.threads {
		handle, err := w.runtime.Spawn(ctx, func(ctx context.Context) {
			failures[index] = w.writeRegion(ctx, index)
		})
		if err != nil {
			return fmt.Errorf("spawning writer %d: %w", index, err)
		}
		handles = append(handles, handle)
	}
	var errs []error
	for index, handle := range handles {
		if err := w.runtime.Join(ctx, handle); err != nil {
			errs = append(errs, fmt.Errorf("writer %d: %w", index, err))
		}
		if failures[index] != nil {
			errs = append(errs, fmt.Errorf("writer %d: %w", index, failures[index]))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	return w.verify(ctx)
}

func (w *workload) region(index int) int64 {
	return int64(index) * int64(w.blocksPerThread) * int64(w.blockSize)
}

func (w *workload) pattern(index int) []byte {
	line := fmt.Sprintf("writer %04d ", index)
	return bytes.Repeat([]byte(line), w.blocksPerThread*w.blockSize/len(line)+1)[:w.blocksPerThread*w.blockSize]
}

func (w *workload) writeRegion(ctx context.Context, index int) error {
	file, err := w.runtime.OpenFile(ctx, w.name, os.O_RDWR)
	if err != nil {
		return err
	}
	if _, err := file.WriteAt(ctx, w.pattern(index), w.region(index)); err != nil {
		file.Close(ctx)
		return err
	}
	return file.Close(ctx)
}

func (w *workload) verify(ctx context.Context) error {
	file, err := w.runtime.OpenFile(ctx, w.name, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer file.Close(ctx)

	size, err := file.Size(ctx)
	if err != nil {
		return err
	}
	if want := w.region(w.threads); size != want {
		return fmt.Errorf("%s is %d bytes, want %d", w.name, size, want)
	}
	buffer := make([]byte, w.blocksPerThread*w.blockSize)
	for index := range w.threads {
		if _, err := file.ReadAt(ctx, buffer, w.region(index)); err != nil && err != io.EOF {
			return fmt.Errorf("reading region %d: %w", index, err)
		}
		if !bytes.Equal(buffer, w.pattern(index)) {
			return fmt.Errorf("region %d does not hold writer %d's data", index, index)
		}
	}

	root, err := file.Root(ctx)
	if err != nil {
		return err
	}
	generation, err := file.Generation(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("workload verified",
		"file", w.name,
		"size", size,
		"generation", generation,
		"max_size", pfs.MaxSize(w.blockSize),
	)
	if shims := w.runtime.Net(); shims != nil {
		summary := fmt.Sprintf("%s: %d bytes, generation %d, root %x\n", w.name, size, generation, root[:])
		if _, err := shims.Stdout().Write(ctx, []byte(summary)); err != nil {
			w.logger.Warn("writing summary to stdout failed", "error", err)
		}
	}
	return nil
}

// serveMetrics exposes the runtime's collector on listener until the
// returned shutdown function is called.
func serveMetrics(listener net.Listener, runtime *enclave.Runtime, logger *slog.Logger) (func(), error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(runtime.Collector()); err != nil {
		return nil, fmt.Errorf("registering enclave metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", listener.Addr().String(), "path", "/metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
		<-done
	}, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `enclave-run — load the enclave and run the protected-file workload.

Usage:
  enclave-run [flags]

Examples:
  # Eight writers, sixteen blocks each
  ENCLAVE_CONFIG=enclave.yaml enclave-run

  # Explicit config and storage directory
  enclave-run --config enclave.yaml --storage /tmp/enclave --threads 4

  # Expose runtime counters while the workload runs
  enclave-run --metrics-listen 127.0.0.1:9464

  # Symbolize abort backtraces from a table shipped with the image
  enclave-run --symbol-table enclave.symtab

Flags:
`)
	flagSet.PrintDefaults()
}
