// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/enclave/lib/pfs"
	"github.com/bureau-foundation/enclave/lib/process"
	"github.com/bureau-foundation/enclave/lib/version"
)

const exitMalformed = 2

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

// slotReport describes one header slot.
type slotReport struct {
	Slot       int    `json:"slot"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
	Version    uint16 `json:"version,omitempty"`
	BlockSize  uint32 `json:"block_size,omitempty"`
	FileID     string `json:"file_id,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
	Metadata   int    `json:"metadata_bytes,omitempty"`
}

// fileReport describes one backing file.
type fileReport struct {
	Path   string       `json:"path"`
	Size   int64        `json:"size"`
	Slots  []slotReport `json:"header_slots"`
	Active int          `json:"active_slot"`
	Blocks int64        `json:"block_slots"`
	Excess int64        `json:"trailing_bytes,omitempty"`
}

func run(args []string, stdout io.Writer) error {
	var jsonOutput bool
	flagSet := pflag.NewFlagSet("pfs-inspect", pflag.ContinueOnError)
	flagSet.BoolVar(&jsonOutput, "json", false, "print one JSON object per file")
	flagSet.BoolP("help", "h", false, "show help")

	if len(args) > 0 && args[0] == "--version" {
		version.Print("pfs-inspect")
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
	if flagSet.NArg() == 0 {
		printHelp(flagSet)
		return fmt.Errorf("no backing files given")
	}

	var malformed []string
	for _, path := range flagSet.Args() {
		report, err := inspect(path)
		if err != nil {
			return err
		}
		if report.Active < 0 {
			malformed = append(malformed, path)
		}
		if jsonOutput {
			encoded, err := json.Marshal(report)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, string(encoded))
			continue
		}
		printReport(stdout, report)
	}
	if len(malformed) > 0 {
		return process.WithCode(exitMalformed, fmt.Errorf("no well-formed header slot in %v", malformed))
	}
	return nil
}

func inspect(path string) (*fileReport, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	report := &fileReport{Path: path, Size: info.Size(), Active: -1}
	var best uint64
	var blockSize int
	for slot := range 2 {
		raw := make([]byte, pfs.HeaderSize)
		n, err := file.ReadAt(raw, int64(slot)*pfs.HeaderSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading header slot %d of %s: %w", slot, path, err)
		}
		entry := slotReport{Slot: slot}
		header, err := pfs.DecodeHeader(raw[:n])
		if err != nil {
			entry.Error = err.Error()
			report.Slots = append(report.Slots, entry)
			continue
		}
		entry.Valid = true
		entry.Version = header.Version
		entry.BlockSize = header.BlockSize
		entry.FileID = hex.EncodeToString(header.FileID)
		entry.Generation = header.Generation
		entry.Metadata = len(header.Metadata)
		report.Slots = append(report.Slots, entry)
		if header.Generation > best {
			best = header.Generation
			report.Active = slot
			blockSize = int(header.BlockSize)
		}
	}

	if report.Active >= 0 {
		body := report.Size - 2*pfs.HeaderSize
		if body > 0 {
			slotSize := int64(pfs.SlotSize(blockSize))
			report.Blocks = body / slotSize
			report.Excess = body % slotSize
		}
	}
	return report, nil
}

func printReport(w io.Writer, report *fileReport) {
	fmt.Fprintf(w, "%s (%d bytes)\n", report.Path, report.Size)
	for _, slot := range report.Slots {
		marker := " "
		if slot.Slot == report.Active {
			marker = "*"
		}
		if !slot.Valid {
			fmt.Fprintf(w, " %s header %d: invalid: %s\n", marker, slot.Slot, slot.Error)
			continue
		}
		fmt.Fprintf(w, " %s header %d: generation %d, block size %d, file id %s, metadata %d bytes\n",
			marker, slot.Slot, slot.Generation, slot.BlockSize, slot.FileID, slot.Metadata)
	}
	if report.Active >= 0 {
		fmt.Fprintf(w, "   block slots: %d", report.Blocks)
		if report.Excess != 0 {
			fmt.Fprintf(w, " (+%d trailing bytes)", report.Excess)
		}
		fmt.Fprintln(w)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `pfs-inspect — show the host-visible header slots of protected files.

The active slot (highest well-formed generation) is marked with *.
Nothing is authenticated: a tampered header can look well-formed here
and still be rejected by the enclave.

Usage:
  pfs-inspect [flags] FILE...

Flags:
`)
	flagSet.PrintDefaults()
}
