// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"filippo.io/age"

	"github.com/bureau-foundation/enclave/lib/symtab"
)

// AbortExitCode is the process exit status after an abort (EX_SOFTWARE).
const AbortExitCode = 70

// reportTimeout bounds the abort report crossing. A host that stalls
// the report does not stall the abort.
const reportTimeout = 5 * time.Second

// Reporter delivers an abort report to the host. The boundary gateway
// implements it.
type Reporter interface {
	ReportAbort(ctx context.Context, report Report) error
}

// HandlerConfig configures a [Handler].
type HandlerConfig struct {
	// Logger receives panic and abort events. Only cause kinds and
	// frame counts are logged, never cause text. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Symbols resolves backtrace PCs. Nil captures bare PCs (the
	// backtrace feature is disabled).
	Symbols symtab.Resolver

	// Recipients are the operator age keys abort records are sealed
	// to. Empty means no record leaves the enclave.
	Recipients []age.Recipient

	// Exit terminates the process after an abort. Defaults to
	// os.Exit. Tests substitute a recorder; when Exit returns, the
	// aborting goroutine still panics.
	Exit func(code int)
}

// Handler runs enclave code under panic recovery and owns the
// one-shot abort path.
type Handler struct {
	logger     *slog.Logger
	symbolizer symtab.Resolver
	recipients []age.Recipient
	exit       func(code int)

	aborted atomic.Bool

	mu        sync.Mutex
	reporter  Reporter
	listeners []func()
	hooks     []func(Record)
}

// NewHandler creates a handler. It is not installed; see [Install].
func NewHandler(config HandlerConfig) *Handler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Exit == nil {
		config.Exit = os.Exit
	}
	return &Handler{
		logger:     config.Logger,
		symbolizer: config.Symbols,
		recipients: config.Recipients,
		exit:       config.Exit,
	}
}

// SetReporter sets the sink for abort reports. The gateway is built
// after the handler, so it is wired in late.
func (h *Handler) SetReporter(reporter Reporter) {
	h.mu.Lock()
	h.reporter = reporter
	h.mu.Unlock()
}

// OnAbort registers fn to run after the abort report is delivered and
// before the exit hook.
func (h *Handler) OnAbort(fn func()) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// OnPanic registers fn to run in the HandlerRun state of every
// unwound panic.
func (h *Handler) OnPanic(fn func(Record)) {
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Aborted reports whether the enclave has aborted.
func (h *Handler) Aborted() bool {
	return h.aborted.Load()
}

// State returns Aborted once the enclave has aborted, Running before.
func (h *Handler) State() State {
	if h.aborted.Load() {
		return Aborted
	}
	return Running
}

func (h *Handler) symbols() symtab.Resolver {
	if h == nil {
		return nil
	}
	return h.symbolizer
}

// Run calls fn and recovers any panic it raises. It returns nil when
// fn returns normally, and a [*PanicError] otherwise. Deferred calls
// in fn have run by the time Run returns.
func (h *Handler) Run(fn func()) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = h.recovered(recovered)
		}
	}()
	fn()
	return nil
}

func (h *Handler) recovered(value any) *PanicError {
	var machine Machine
	machine.Advance(PanicInitiated)

	if violation, ok := value.(*Violation); ok {
		// Already aborted at the point of detection when this
		// handler is installed.
		h.Abort(violation.Record)
		machine.Advance(Aborted)
		return &PanicError{Record: violation.Record, State: Aborted}
	}

	record := Record{
		Cause:      causeText(value),
		Kind:       KindPanic,
		Frames:     panicBacktrace(h.symbolizer),
		Unwindable: true,
	}
	machine.Advance(Unwinding)

	machine.Advance(HandlerRun)
	h.mu.Lock()
	hooks := slices.Clone(h.hooks)
	h.mu.Unlock()
	for _, hook := range hooks {
		hook(record)
	}
	h.logger.Warn("enclave panic unwound",
		"kind", record.Kind,
		"frames", len(record.Frames),
	)

	machine.Advance(ResumedAbortCandidate)
	return &PanicError{Record: record, State: machine.State()}
}

// Escalate aborts on a [*PanicError] that has not yet aborted and
// returns any other error unchanged.
func (h *Handler) Escalate(err error) error {
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		return err
	}
	if panicErr.State != Aborted {
		h.Abort(panicErr.Record)
	}
	return fmt.Errorf("%w: %s", ErrAborted, panicErr.Record.Kind)
}

// Abort terminates the enclave. Only the first call does anything:
// it marks the enclave aborted (every later gateway crossing fails),
// delivers the sealed report, notifies listeners, and calls the exit
// hook.
func (h *Handler) Abort(record Record) {
	if !h.aborted.CompareAndSwap(false, true) {
		return
	}
	h.logger.Error("enclave aborting",
		"kind", record.Kind,
		"unwindable", record.Unwindable,
		"frames", len(record.Frames),
	)

	report, err := SealReport(record, h.recipients)
	if err != nil {
		h.logger.Error("sealing abort report failed", "error", err)
		report = Report{Kind: record.Kind}
	}

	h.mu.Lock()
	reporter := h.reporter
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	if reporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		if err := reporter.ReportAbort(ctx, report); err != nil {
			h.logger.Error("delivering abort report failed", "error", err)
		}
		cancel()
	}
	for _, listener := range listeners {
		listener()
	}
	h.exit(AbortExitCode)
}

func causeText(value any) string {
	switch v := value.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
