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

// Package vmx parses VMware text descriptors, the `key = "value"` format
// shared by .vmx machine files and .vmdk disk descriptors.
//
// Parsing is total: malformed lines are skipped, never reported. Keys are
// matched case-insensitively.
package vmx

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// quotedLine matches `key = "value"`, the canonical .vmx form.
	quotedLine = regexp.MustCompile(`^\s*([A-Za-z0-9_.:-]+)\s*=\s*"(.*)"\s*$`)

	// bareLine matches `key=value` without quotes, as .vmdk descriptor
	// headers write it (e.g. `createType=vmfs`).
	bareLine = regexp.MustCompile(`^\s*([A-Za-z0-9_.:-]+)\s*=\s*([^"\s][^"]*?)\s*$`)
)

// Descriptor is a parsed descriptor. The zero value is an empty descriptor.
type Descriptor struct {
	values map[string]string
}

// Parse reads descriptor text into a Descriptor. Lines that do not match the
// `key = "value"` (or bare `key=value`) grammar are ignored. When a key
// occurs more than once the last occurrence wins.
func Parse(text string) Descriptor {
	values := map[string]string{}

	for _, line := range strings.Split(text, "\n") {
		if m := quotedLine.FindStringSubmatch(line); m != nil {
			values[strings.ToLower(m[1])] = m[2]
			continue
		}
		if m := bareLine.FindStringSubmatch(line); m != nil {
			values[strings.ToLower(m[1])] = m[2]
		}
	}

	return Descriptor{values: values}
}

// Get returns the value for key, or "" when absent.
func (d Descriptor) Get(key string) string {
	return d.values[strings.ToLower(key)]
}

// Lookup returns the value for key and whether it was present.
func (d Descriptor) Lookup(key string) (string, bool) {
	v, ok := d.values[strings.ToLower(key)]
	return v, ok
}

// Bool reports whether key is present and set to "true", matched
// case-insensitively (.vmx files write TRUE).
func (d Descriptor) Bool(key string) bool {
	return strings.EqualFold(d.Get(key), "true")
}

// Int parses key as a base-10 integer; ok is false when the key is absent
// or not numeric.
func (d Descriptor) Int(key string) (int, bool) {
	raw, ok := d.Lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Len returns the number of parsed keys.
func (d Descriptor) Len() int { return len(d.values) }

// Keys returns all parsed keys, lowercased and sorted. Callers use it to
// discover device prefixes (scsi0:1, ethernet2, ...).
func (d Descriptor) Keys() []string {
	keys := make([]string, 0, len(d.values))
	for k := range d.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
