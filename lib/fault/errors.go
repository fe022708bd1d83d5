// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrUntrustedResponse reports a host response that failed
	// boundary validation: a span inside the enclave, an oversized
	// payload, or a value its opcode forbids. The operation was not
	// applied.
	ErrUntrustedResponse = errors.New("untrusted host response")

	// ErrResourceExhausted reports heap, thread table, or handle
	// exhaustion.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrIntegrityViolation reports a protected-file block or header
	// whose MAC does not match the committed root.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrAborted is returned by every operation after the enclave has
	// aborted.
	ErrAborted = errors.New("enclave aborted")
)

// HostError is an ordinary failure reported by the host, such as a
// missing file or a closed socket. The errno is advisory: the host
// chooses it.
type HostError struct {
	// Op is the boundary opcode name.
	Op string

	// Errno is the host-reported error number.
	Errno syscall.Errno
}

func (e *HostError) Error() string {
	return fmt.Sprintf("%s: host reported: %v", e.Op, e.Errno)
}

// Unwrap returns the errno so callers can test errors.Is(err,
// syscall.ENOENT) and friends.
func (e *HostError) Unwrap() error { return e.Errno }

// IsRetryable reports whether a fresh attempt of the same logical
// operation may succeed. Validation and integrity failures are never
// retryable: retrying against an adversarial host only gives it more tries.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUntrustedResponse),
		errors.Is(err, ErrIntegrityViolation),
		errors.Is(err, ErrAborted):
		return false
	case errors.Is(err, ErrResourceExhausted):
		return true
	}
	var hostErr *HostError
	if errors.As(err, &hostErr) {
		return hostErr.Errno.Temporary() || hostErr.Errno.Timeout()
	}
	return false
}
