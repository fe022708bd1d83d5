// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"runtime"

	"github.com/bureau-foundation/enclave/lib/symtab"
)

// maxFrames bounds every captured backtrace.
const maxFrames = 64

// Backtrace captures the calling goroutine's stack. skip 0 starts at
// the caller of Backtrace. Symbols come from resolver only; a nil
// resolver yields bare PCs.
func Backtrace(skip int, resolver symtab.Resolver) []Frame {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+2, pcs)
	return symbolize(pcs[:n], resolver)
}

// panicBacktrace captures the stack of a goroutine that is running
// deferred calls for a panic, starting at the frame that panicked.
// Called from a deferred function, the stack still holds the panicking
// frames below runtime.gopanic.
func panicBacktrace(resolver symtab.Resolver) []Frame {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(2, pcs)
	pcs = pcs[:n]

	for index, pc := range pcs {
		function := runtime.FuncForPC(pc - 1)
		if function != nil && function.Name() == "runtime.gopanic" {
			return symbolize(pcs[index+1:], resolver)
		}
	}
	return symbolize(pcs, resolver)
}

func symbolize(pcs []uintptr, resolver symtab.Resolver) []Frame {
	frames := make([]Frame, 0, len(pcs))
	for _, pc := range pcs {
		frame := Frame{PC: uint64(pc)}
		if resolver != nil {
			// Return addresses point past the call; pc-1 lands in
			// the calling function.
			if name, ok := resolver.Lookup(pc - 1); ok {
				frame.Symbol = name
			}
		}
		frames = append(frames, frame)
	}
	return frames
}
