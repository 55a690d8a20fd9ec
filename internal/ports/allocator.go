// Copyright 2025 Agentside
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ports tracks the loopback TCP ports leased to worker processes.
//
// The allocator only prevents collisions within a single host process's
// lifetime. Restarts lose all allocation history, which is acceptable
// because the bind check re-validates OS-level availability at allocation
// time.
package ports

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
)

const (
	// DefaultMin is the lower bound of the default port range.
	DefaultMin = 5000
	// DefaultMax is the upper bound of the default port range.
	DefaultMax = 65535
	// DefaultMaxAttempts bounds how many candidate ports one Allocate call
	// will try before giving up.
	DefaultMaxAttempts = 100
)

// ExhaustedError is returned when an Allocate call runs out of attempts.
// This is fatal for the caller's start attempt, not retried internally.
type ExhaustedError struct {
	Attempts  int
	Allocated int
	Min, Max  int
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no free port found after %d attempts (%d allocated, range %d-%d)",
		e.Attempts, e.Allocated, e.Min, e.Max)
}

// Allocator hands out loopback TCP ports from a configured range.
// Selection is pseudo-random rather than sequential so concurrent
// allocations do not pile up on recently released ports.
type Allocator struct {
	min         int
	max         int
	maxAttempts int

	// bind confirms OS-level availability of a candidate port. Swappable
	// in tests.
	bind func(port int) bool

	mu        sync.Mutex
	allocated map[int]struct{}
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRange overrides the default port range.
func WithRange(min, max int) Option {
	return func(a *Allocator) {
		a.min = min
		a.max = max
	}
}

// WithMaxAttempts overrides the attempt bound.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		a.maxAttempts = n
	}
}

// withBindFunc replaces the bind check (tests only).
func withBindFunc(fn func(port int) bool) Option {
	return func(a *Allocator) {
		a.bind = fn
	}
}

// NewAllocator creates a port allocator.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		min:         DefaultMin,
		max:         DefaultMax,
		maxAttempts: DefaultMaxAttempts,
		bind:        canBind,
		allocated:   make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns an unused port from the range, verified bindable on
// loopback at the moment of allocation. Returns an *ExhaustedError after
// the attempt budget is spent.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.max - a.min + 1
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		port := a.min + rand.Intn(span)
		if _, taken := a.allocated[port]; taken {
			continue
		}
		if !a.bind(port) {
			continue
		}
		a.allocated[port] = struct{}{}
		allocatedGauge.Set(float64(len(a.allocated)))
		return port, nil
	}

	exhaustedTotal.Inc()
	return 0, &ExhaustedError{
		Attempts:  a.maxAttempts,
		Allocated: len(a.allocated),
		Min:       a.min,
		Max:       a.max,
	}
}

// Release returns a port to the pool. Releasing an untracked port is a
// no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.allocated, port)
	allocatedGauge.Set(float64(len(a.allocated)))
	a.mu.Unlock()
}

// IsAllocated reports whether the port is currently leased.
func (a *Allocator) IsAllocated(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[port]
	return ok
}

// AllocatedCount returns the number of leased ports.
func (a *Allocator) AllocatedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// canBind confirms the port is actually free by binding a loopback
// listener and closing it immediately.
func canBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
