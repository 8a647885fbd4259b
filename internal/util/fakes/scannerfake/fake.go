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

// Package scannerfake provides a canned controller.Scanner for driver
// tests.
package scannerfake

import (
	"context"
	"sync"
	"testing"

	"github.com/caravel-vm/caravel/internal/types"
)

// Call records the arguments of one Scan invocation.
type Call struct {
	ClusterID int64
	Node      string
	Storage   string
}

// Fake is a controller.Scanner returning a fixed result set.
type Fake struct {
	t *testing.T

	mu      sync.Mutex
	results []types.ScanResult
	err     error
	calls   []Call
}

// New returns a Fake yielding no results.
func New(t *testing.T) *Fake {
	t.Helper()

	return &Fake{t: t}
}

// WithResults sets the inventory every Scan returns.
func (f *Fake) WithResults(results ...types.ScanResult) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.results = results

	return f
}

// WithError makes every Scan fail.
func (f *Fake) WithError(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err

	return f
}

// Scan returns the canned results after recording the call.
func (f *Fake) Scan(
	ctx context.Context,
	clusterID int64,
	node, storage string,
) ([]types.ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{ClusterID: clusterID, Node: node, Storage: storage})

	if f.err != nil {
		return nil, f.err
	}

	out := make([]types.ScanResult, len(f.results))
	copy(out, f.results)

	return out, nil
}

// Calls returns the recorded Scan invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Call, len(f.calls))
	copy(out, f.calls)

	return out
}
