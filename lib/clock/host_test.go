// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/enclave/lib/fault"
)

type scriptedSource struct {
	readings []time.Time
	err      error
}

func (s *scriptedSource) Now(context.Context) (time.Time, error) {
	if s.err != nil {
		return time.Time{}, s.err
	}
	next := s.readings[0]
	s.readings = s.readings[1:]
	return next, nil
}

func TestHostClockRejectsBackwardsTime(t *testing.T) {
	source := &scriptedSource{readings: []time.Time{
		epoch,
		epoch.Add(time.Second),
		epoch.Add(time.Second),
		epoch,
		epoch.Add(2 * time.Second),
	}}
	host := NewHost(source)
	ctx := context.Background()

	for i, want := range []time.Time{epoch, epoch.Add(time.Second), epoch.Add(time.Second)} {
		got, err := host.Now(ctx)
		if err != nil {
			t.Fatalf("reading %d: %v", i, err)
		}
		if !got.Equal(want) {
			t.Errorf("reading %d = %v, want %v", i, got, want)
		}
	}
	if _, err := host.Now(ctx); !errors.Is(err, fault.ErrUntrustedResponse) {
		t.Fatalf("backwards reading = %v, want ErrUntrustedResponse", err)
	}
	if !host.Last().Equal(epoch.Add(time.Second)) {
		t.Errorf("Last = %v after rejected reading", host.Last())
	}
	if got, err := host.Now(ctx); err != nil || !got.Equal(epoch.Add(2*time.Second)) {
		t.Errorf("reading after rejection = %v, %v", got, err)
	}
}

func TestHostClockPropagatesErrors(t *testing.T) {
	failure := errors.New("host gone")
	host := NewHost(&scriptedSource{err: failure})
	if _, err := host.Now(context.Background()); !errors.Is(err, failure) {
		t.Errorf("Now = %v, want %v", err, failure)
	}
}

func TestHostClockOverFakeSource(t *testing.T) {
	fake := Fake(epoch)
	host := NewHost(fake.Source())
	ctx := context.Background()

	fake.Advance(time.Hour)
	if got, err := host.Now(ctx); err != nil || !got.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("Now = %v, %v", got, err)
	}
	fake.Set(epoch)
	if _, err := host.Now(ctx); !errors.Is(err, fault.ErrUntrustedResponse) {
		t.Fatalf("rewound host time = %v, want ErrUntrustedResponse", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := host.Now(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled query = %v, want context.Canceled", err)
	}
}
