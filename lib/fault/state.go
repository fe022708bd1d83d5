// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import "fmt"

// State is a position in the panic state machine.
type State uint8

const (
	Running State = iota
	PanicInitiated
	Unwinding
	HandlerRun
	ResumedAbortCandidate
	Aborted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case PanicInitiated:
		return "panic-initiated"
	case Unwinding:
		return "unwinding"
	case HandlerRun:
		return "handler-run"
	case ResumedAbortCandidate:
		return "resumed-abort-candidate"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// transitions lists every legal edge. Aborted is terminal.
var transitions = map[State][]State{
	Running:               {PanicInitiated, Aborted},
	PanicInitiated:        {Unwinding, Aborted},
	Unwinding:             {HandlerRun},
	HandlerRun:            {ResumedAbortCandidate},
	ResumedAbortCandidate: {Aborted},
}

// Machine tracks one panic through its states. It belongs to the
// goroutine handling the panic and is not safe for concurrent use.
type Machine struct {
	state State
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// CanAdvance reports whether to is a legal successor of the current
// state.
func (m *Machine) CanAdvance(to State) bool {
	for _, next := range transitions[m.state] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance moves to the given state. An illegal edge is itself an
// invariant violation.
func (m *Machine) Advance(to State) {
	if !m.CanAdvance(to) {
		Violate("panic state machine: illegal transition %s -> %s", m.state, to)
	}
	m.state = to
}
