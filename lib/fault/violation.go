// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"fmt"
	"sync/atomic"
)

// Violation is the panic value for unrecoverable runtime corruption.
// Code outside this package never constructs one; it calls [Violate].
type Violation struct {
	Record Record
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s violation: %s", v.Record.Kind, v.Record.Cause)
}

// installed is the enclave's process-wide handler, set once at load.
var installed atomic.Pointer[Handler]

// Install makes h the process-wide handler consulted by [Violate]. It
// fails if another handler is installed.
func Install(h *Handler) error {
	if !installed.CompareAndSwap(nil, h) {
		return fmt.Errorf("fault handler already installed")
	}
	return nil
}

// Uninstall removes h if it is the installed handler.
func Uninstall(h *Handler) {
	installed.CompareAndSwap(h, nil)
}

// Installed returns the process-wide handler, or nil.
func Installed() *Handler {
	return installed.Load()
}

// Violate reports internal corruption. With a handler installed the
// enclave aborts before Violate unwinds anything; Violate then panics
// with a [*Violation] so the corrupted caller cannot continue even
// when the abort hook returns (as it does in tests).
//
//go:noinline
func Violate(format string, args ...any) {
	raise(KindInvariant, fmt.Sprintf(format, args...))
}

// Exhausted reports an allocation failure at a call site that has no
// error return. It aborts like [Violate].
//
//go:noinline
func Exhausted(format string, args ...any) {
	raise(KindExhausted, fmt.Sprintf(format, args...))
}

// Invariant calls [Violate] when cond is false.
//
//go:noinline
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		raise(KindInvariant, fmt.Sprintf(format, args...))
	}
}

//go:noinline
func raise(kind Kind, cause string) {
	handler := installed.Load()
	record := Record{
		Cause:      cause,
		Kind:       kind,
		Frames:     Backtrace(2, handler.symbols()),
		Unwindable: false,
	}
	if handler != nil {
		handler.Abort(record)
	}
	panic(&Violation{Record: record})
}
