// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import "fmt"

// Kind classifies the cause of a panic or abort. Values are stable:
// they appear in host-visible abort reports.
type Kind uint8

const (
	// KindPanic is an ordinary panic in enclave code. Unwindable.
	KindPanic Kind = 1

	// KindInvariant is internal corruption detected by the runtime.
	KindInvariant Kind = 2

	// KindExhausted is an allocation failure at a call site that
	// cannot return an error.
	KindExhausted Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindPanic:
		return "panic"
	case KindInvariant:
		return "invariant"
	case KindExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one captured stack frame.
type Frame struct {
	PC     uint64 `cbor:"1,keyasint"`
	Symbol string `cbor:"2,keyasint,omitempty"`
}

// Record describes a panic or abort.
type Record struct {
	Cause      string  `cbor:"1,keyasint"`
	Kind       Kind    `cbor:"2,keyasint"`
	Frames     []Frame `cbor:"3,keyasint,omitempty"`
	Unwindable bool    `cbor:"4,keyasint"`
}

// PanicError carries a recovered, unwindable panic back to the caller
// of [Handler.Run]. The panic has been unwound and the panic hooks
// have run; the record is an abort candidate.
type PanicError struct {
	Record Record

	// State is where the panic's state machine stopped:
	// [ResumedAbortCandidate] for unwound panics, [Aborted] for
	// violations.
	State State
}

func (e *PanicError) Error() string {
	if e.State == Aborted {
		return fmt.Sprintf("enclave aborted: %s: %s", e.Record.Kind, e.Record.Cause)
	}
	return fmt.Sprintf("enclave panic: %s", e.Record.Cause)
}

// Unwrap lets errors.Is(err, ErrAborted) match a panic that ended in
// an abort.
func (e *PanicError) Unwrap() error {
	if e.State == Aborted {
		return ErrAborted
	}
	return nil
}
