// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/enclave/lib/abortfile"
	"github.com/bureau-foundation/enclave/lib/config"
	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/process"
	"github.com/bureau-foundation/enclave/lib/secret"
	"github.com/bureau-foundation/enclave/lib/version"
)

const exitNoReport = 4

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

// output is what enclave-report prints.
type output struct {
	Path      string        `json:"path"`
	Kind      string        `json:"kind"`
	Timestamp string        `json:"timestamp"`
	Binary    string        `json:"binary,omitempty"`
	Sealed    int           `json:"sealed_bytes"`
	Record    *fault.Record `json:"record,omitempty"`
}

func run(args []string, stdout io.Writer) error {
	var (
		configPath   string
		storageDir   string
		reportPath   string
		identityPath string
		clearReport  bool
		jsonOutput   bool
	)
	flagSet := pflag.NewFlagSet("enclave-report", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "enclave.yaml naming the storage directory")
	flagSet.StringVar(&storageDir, "storage", "", "storage directory holding the report")
	flagSet.StringVar(&reportPath, "report", "", "report file (overrides --config and --storage)")
	flagSet.StringVar(&identityPath, "identity", "", "file holding an operator age identity")
	flagSet.BoolVar(&clearReport, "clear", false, "remove the report after showing it")
	flagSet.BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	flagSet.BoolP("help", "h", false, "show help")

	if len(args) > 0 && args[0] == "--version" {
		version.Print("enclave-report")
		return nil
	}
	if err := flagSet.Parse(args); err != nil {
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

	if reportPath == "" {
		if storageDir == "" && configPath != "" {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			storageDir = cfg.Storage.Dir
		}
		if storageDir == "" {
			printHelp(flagSet)
			return fmt.Errorf("one of --report, --storage, or --config is required")
		}
		reportPath = abortfile.Path(storageDir)
	}

	state, err := abortfile.Read(reportPath)
	if errors.Is(err, os.ErrNotExist) {
		return process.WithCode(exitNoReport, fmt.Errorf("no abort report at %s", reportPath))
	}
	if err != nil {
		return err
	}

	result := output{
		Path:      reportPath,
		Kind:      state.Kind.String(),
		Timestamp: state.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		Binary:    state.Binary,
		Sealed:    len(state.Sealed),
	}
	if identityPath != "" {
		identity, err := readIdentity(identityPath)
		if err != nil {
			return err
		}
		record, err := state.Open(identity)
		if err != nil {
			return err
		}
		result.Record = &record
	}

	if jsonOutput {
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(encoded))
	} else {
		printReport(stdout, result)
	}

	if clearReport {
		return abortfile.Clear(reportPath)
	}
	return nil
}

// readIdentity returns the first AGE-SECRET-KEY line of an identity
// file, skipping the comments age-keygen writes.
func readIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading identity: %w", err)
	}
	defer secret.Zero(data)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			return line, nil
		}
	}
	return "", fmt.Errorf("%s holds no AGE-SECRET-KEY line", path)
}

func printReport(w io.Writer, result output) {
	fmt.Fprintf(w, "%s\n", result.Path)
	fmt.Fprintf(w, "  kind:     %s\n", result.Kind)
	fmt.Fprintf(w, "  received: %s\n", result.Timestamp)
	if result.Binary != "" {
		fmt.Fprintf(w, "  host:     %s\n", result.Binary)
	}
	if result.Sealed == 0 {
		fmt.Fprintln(w, "  sealed:   none (no operator recipients were configured)")
		return
	}
	fmt.Fprintf(w, "  sealed:   %d bytes\n", result.Sealed)
	if result.Record == nil {
		return
	}
	fmt.Fprintf(w, "  cause:    %s\n", result.Record.Cause)
	for _, frame := range result.Record.Frames {
		symbol := frame.Symbol
		if symbol == "" {
			symbol = "?"
		}
		fmt.Fprintf(w, "    %#x %s\n", frame.PC, symbol)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `enclave-report — show the last enclave abort report.

Usage:
  enclave-report [flags]

Examples:
  # Host-visible fields only
  enclave-report --storage /var/lib/enclave/storage

  # Open the sealed record and remove the report
  enclave-report --config enclave.yaml --identity operator.key --clear

Flags:
`)
	flagSet.PrintDefaults()
}
