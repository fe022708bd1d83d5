// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package symtab

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"sort"

	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/enclave/lib/codec"
)

// Resolver maps an instruction pointer to a symbol name.
type Resolver interface {
	Lookup(pc uintptr) (string, bool)
}

// Runtime returns a Resolver backed by the binary's own pclntab. Like
// a Table it names the function whose machine code contains pc, so an
// address inside an inlined call resolves to the function it was
// inlined into.
func Runtime() Resolver { return runtimeResolver{} }

type runtimeResolver struct{}

func (runtimeResolver) Lookup(pc uintptr) (string, bool) {
	// CallersFrames takes return addresses and steps back one byte.
	frames := runtime.CallersFrames([]uintptr{pc + 1})
	for {
		frame, more := frames.Next()
		if frame.Func != nil {
			return frame.Function, true
		}
		if !more {
			return "", false
		}
	}
}

// Entry is one function range in a Table. End is exclusive.
type Entry struct {
	Start uint64 `cbor:"1,keyasint"`
	End   uint64 `cbor:"2,keyasint"`
	Name  string `cbor:"3,keyasint"`
}

// Table is an immutable sorted set of non-overlapping function ranges.
// Safe for concurrent lookups.
type Table struct {
	entries []Entry
}

// New builds a Table from entries. Entries are sorted by start
// address; overlapping or empty ranges are rejected.
func New(entries []Entry) (*Table, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for index, entry := range sorted {
		if entry.End <= entry.Start {
			return nil, fmt.Errorf("symtab: empty range for %q", entry.Name)
		}
		if index > 0 && sorted[index-1].End > entry.Start {
			return nil, fmt.Errorf("symtab: %q overlaps %q", entry.Name, sorted[index-1].Name)
		}
	}
	return &Table{entries: sorted}, nil
}

// FromRuntime builds a Table covering the whole of every function
// that contains one of pcs, using the running binary's pclntab. pcs are
// return addresses as runtime.Callers reports them.
func FromRuntime(pcs []uintptr) (*Table, error) {
	var entries []Entry
	seen := make(map[uintptr]bool)
	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()
		// Inlined frames carry the entry of the function they were
		// inlined into; only that function's own frame has Func set.
		if frame.Func != nil && !seen[frame.Entry] {
			seen[frame.Entry] = true
			entries = append(entries, Entry{
				Start: uint64(frame.Entry),
				End:   uint64(functionEnd(frame.Entry, frame.PC)),
				Name:  frame.Function,
			})
		}
		if !more {
			break
		}
	}
	return New(entries)
}

// functionEnd returns one past the last address from pc onward that
// the pclntab attributes to the function entered at entry.
func functionEnd(entry, pc uintptr) uintptr {
	end := pc
	for {
		function := runtime.FuncForPC(end)
		if function == nil || function.Entry() != entry {
			return end
		}
		end++
	}
}

// Lookup returns the name of the function whose range contains pc.
func (t *Table) Lookup(pc uintptr) (string, bool) {
	target := uint64(pc)
	index := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].End > target })
	if index == len(t.entries) || t.entries[index].Start > target {
		return "", false
	}
	return t.entries[index].Name, true
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Encode serializes the table as lz4-compressed CBOR.
func (t *Table) Encode() ([]byte, error) {
	raw, err := codec.Marshal(t.entries)
	if err != nil {
		return nil, fmt.Errorf("encoding symbol table: %w", err)
	}

	var compressed bytes.Buffer
	writer := lz4.NewWriter(&compressed)
	if _, err := writer.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing symbol table: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing symbol table compression: %w", err)
	}
	return compressed.Bytes(), nil
}

// Decode parses a blob produced by Encode. The blob is part of the
// enclave image, so it is decoded with the trusted decoder.
func Decode(blob []byte) (*Table, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return nil, fmt.Errorf("decompressing symbol table: %w", err)
	}
	var entries []Entry
	if err := codec.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding symbol table: %w", err)
	}
	return New(entries)
}
