// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package semaphore implements an adjustable counting semaphore. It gates
// the number of file transfers in flight at once.
package semaphore

import "sync"

type Semaphore struct {
	max       int
	available int
	mut       sync.Mutex
	cond      *sync.Cond
}

// New creates a semaphore with the given capacity. A capacity of zero or
// less means unlimited: Take and Give become no-ops.
func New(max int) *Semaphore {
	if max < 0 {
		max = 0
	}
	s := &Semaphore{
		max:       max,
		available: max,
	}
	s.cond = sync.NewCond(&s.mut)
	return s
}

// Take acquires the given amount, blocking until it is available. Amounts
// larger than the capacity are clamped so the caller cannot deadlock
// itself.
func (s *Semaphore) Take(size int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.max <= 0 {
		return
	}
	if size > s.max {
		size = s.max
	}
	for size > s.available {
		s.cond.Wait()
		if size > s.max {
			size = s.max
		}
	}
	s.available -= size
}

// Give returns a previously taken amount.
func (s *Semaphore) Give(size int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.max <= 0 {
		return
	}
	if size > s.max {
		size = s.max
	}
	if s.available+size > s.max {
		s.available = s.max
	} else {
		s.available += size
	}
	s.cond.Broadcast()
}

// SetCapacity adjusts the capacity. Waiting takers are woken when the
// capacity increases.
func (s *Semaphore) SetCapacity(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	s.mut.Lock()
	diff := capacity - s.max
	s.max = capacity
	s.available += diff
	if s.available < 0 {
		s.available = 0
	} else if s.available > s.max {
		s.available = s.max
	}
	s.cond.Broadcast()
	s.mut.Unlock()
}
