// Copyright 2026 The Caravel Authors
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

// Package runnerfake provides an in-memory controller.Runner for driver
// tests. It tracks the single-flight state without executing anything.
package runnerfake

import (
	"context"
	"sync"
	"testing"
)

// Fake is an in-memory controller.Runner.
type Fake struct {
	t *testing.T

	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

// New returns an idle Fake.
func New(t *testing.T) *Fake {
	t.Helper()

	return &Fake{t: t}
}

// WithRunning marks a run as already in flight, so the next Start reports
// false.
func (f *Fake) WithRunning() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.running = true

	return f
}

// Start flips the fake into the running state unless one is in flight.
func (f *Fake) Start(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++

	if f.running {
		return false
	}

	f.running = true

	return true
}

// Stop ends the in-flight run, if any.
func (f *Fake) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stops++
	f.running = false
}

// Running reports the fake's run state.
func (f *Fake) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.running
}

// Starts returns how many times Start was called.
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.starts
}

// Stops returns how many times Stop was called.
func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stops
}
