// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package abortfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/enclave/lib/fault"
)

// Name is the report file's name inside the storage directory.
const Name = "abort-report.json"

// Path returns the report path for a storage directory.
func Path(storageDir string) string {
	return filepath.Join(storageDir, Name)
}

// State is one persisted abort report.
type State struct {
	// Kind is the plaintext abort kind.
	Kind fault.Kind `json:"kind"`

	// Sealed is the age-encrypted abort record. Empty when the
	// enclave had no report recipients configured.
	Sealed []byte `json:"sealed,omitempty"`

	// Binary is the host executable that received the report.
	Binary string `json:"binary,omitempty"`

	// Timestamp is when the host received the report. Used by Check
	// to discard stale reports.
	Timestamp time.Time `json:"timestamp"`
}

// Report returns the state as a fault report.
func (s State) Report() fault.Report {
	return fault.Report{Kind: s.Kind, Sealed: s.Sealed}
}

// Open decrypts the sealed record with an operator identity
// (AGE-SECRET-KEY-1...).
func (s State) Open(identity string) (fault.Record, error) {
	return fault.OpenReport(s.Report(), identity)
}

// Write atomically writes an abort report. The file is written to a
// temporary location in the same directory, fsynced, and renamed into
// place. The file is created with mode 0600; the parent directory must
// already exist.
func Write(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling abort report: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary abort report: %w", err)
	}

	// Write, sync, close, in that order. On any failure the temporary
	// file is removed and the first error reported.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary abort report: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary abort report: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary abort report: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming abort report into place: %w", err)
	}

	// Make the rename itself durable.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// Read reads and parses an abort report. When the file does not exist
// the returned error wraps os.ErrNotExist.
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing abort report %s: %w", path, err)
	}
	return state, nil
}

// Check reads an abort report and reports whether it is recent: it
// returns the state and true when the file exists and its Timestamp is
// within maxAge of now, and a zero State and false when the file is
// missing or older. Other errors (permission denied, corrupt JSON) are
// returned so the caller can tell "no abort" from "unreadable report".
func Check(path string, maxAge time.Duration) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, err
	}

	if time.Since(state.Timestamp) > maxAge {
		return State{}, false, nil
	}

	return state, true, nil
}

// Clear removes an abort report. Idempotent.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing abort report: %w", err)
	}
	return nil
}
