// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/enclave/lib/fault"
)

// TimeSource answers the host time query. boundary.Gateway implements
// it.
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}

// Host is the untrusted wall clock: every reading comes from the host
// and is accepted only if it does not go backwards relative to the
// previous accepted reading. Use it for timestamps that must agree
// with the outside world, never for deadlines.
type Host struct {
	source TimeSource

	mu   sync.Mutex
	last time.Time
}

// NewHost creates a Host clock over source.
func NewHost(source TimeSource) *Host {
	return &Host{source: source}
}

// Now queries the host. A reading earlier than the previous one is
// rejected with fault.ErrUntrustedResponse and does not move the
// clock.
func (h *Host) Now(ctx context.Context) (time.Time, error) {
	now, err := h.source.Now(ctx)
	if err != nil {
		return time.Time{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Before(h.last) {
		return time.Time{}, fmt.Errorf("host time %s precedes %s: %w",
			now.Format(time.RFC3339Nano), h.last.Format(time.RFC3339Nano), fault.ErrUntrustedResponse)
	}
	h.last = now
	return now, nil
}

// Last returns the most recent accepted reading, or the zero time.
func (h *Host) Last() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
