// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package semaphore

import "testing"

func TestZeroSemaphore(t *testing.T) {
	t.Parallel()

	// A semaphore with zero capacity is just a no-op.

	s := New(0)

	// None of these should block or panic
	s.Take(123)
	s.Take(456)
	s.Give(1 << 30)
}

func TestSemaphoreCapChangeUp(t *testing.T) {
	t.Parallel()

	// Waiting takes should unblock when the capacity increases

	s := New(100)

	s.Take(75)
	if s.available != 25 {
		t.Error("bad state after take")
	}

	gotit := make(chan struct{})
	go func() {
		s.Take(75)
		close(gotit)
	}()

	s.SetCapacity(155)
	<-gotit
	if s.available != 5 {
		t.Error("bad state after both takes")
	}
}

func TestSemaphoreCapChangeDown(t *testing.T) {
	t.Parallel()

	// Things should make sense when capacity is adjusted down

	s := New(100)

	s.Take(75)
	if s.available != 25 {
		t.Error("bad state after take")
	}

	s.SetCapacity(90)
	if s.available != 15 {
		t.Error("bad state after capacity change")
	}

	s.Give(75)
	if s.available != 90 {
		t.Error("bad state after give")
	}
}

func TestSemaphoreGiveClamped(t *testing.T) {
	t.Parallel()

	// Giving back more than the capacity must not inflate it

	s := New(10)
	s.Take(5)
	s.Give(100)
	if s.available != 10 {
		t.Error("bad state after over-give")
	}
}

func TestSemaphoreOversizeTake(t *testing.T) {
	t.Parallel()

	// A take larger than the capacity is clamped rather than deadlocking

	s := New(3)
	s.Take(10)
	if s.available != 0 {
		t.Error("bad state after oversized take")
	}
	s.Give(10)
	if s.available != 3 {
		t.Error("bad state after oversized give")
	}
}
