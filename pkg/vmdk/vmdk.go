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

// Package vmdk reads and rewrites VMware disk descriptors: the small text
// files that point at the actual data extents. It never touches extent
// data; callers move bytes, this package moves references.
package vmdk

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const (
	// SectorSize is the fixed sector size extent lines count in.
	SectorSize = 512

	// CreateTypeVMFS is the flat, single-extent descriptor variant the
	// target hypervisor can attach directly.
	CreateTypeVMFS = "vmfs"

	gib = int64(1) << 30
)

var (
	ErrNoExtentLine    = errors.New("descriptor has no read-write extent line")
	ErrCreateTypeCheck = errors.New("descriptor createType is not vmfs")
	ErrExtentCheck     = errors.New("descriptor extent does not reference the flat file")
)

var (
	// extentLine matches `RW <sectors> <TYPE> "<file>"` with an optional
	// trailing offset. Only read-write extents count toward disk size.
	extentLine = regexp.MustCompile(`^\s*RW\s+(\d+)\s+([A-Za-z]+)\s+"([^"]*)"(?:\s+\d+)?\s*$`)

	createTypeLine = regexp.MustCompile(`(?i)^\s*createType\s*=`)
)

// Extent is one read-write extent referenced by a descriptor.
type Extent struct {
	Sectors int64
	Type    string
	File    string
}

// Extents returns the read-write extents of descriptor text, in order.
func Extents(text string) []Extent {
	var out []Extent
	for _, line := range strings.Split(text, "\n") {
		m := extentLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		sectors, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Extent{Sectors: sectors, Type: m[2], File: m[3]})
	}
	return out
}

// SizeGiBFromExtents sums the read-write extent sectors of descriptor text
// and converts to whole GiB, rounding up. ok is false when no extent line
// parses; callers then fall back to file sizes.
func SizeGiBFromExtents(text string) (int64, bool) {
	extents := Extents(text)
	if len(extents) == 0 {
		return 0, false
	}
	var sectors int64
	for _, e := range extents {
		sectors += e.Sectors
	}
	return CeilGiB(sectors * SectorSize), true
}

// CeilGiB converts a byte count to whole GiB, rounding up.
func CeilGiB(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}
	return (bytes + gib - 1) / gib
}

// FlatPath returns the companion data-extent path for a descriptor path:
// same directory, same base name, `-flat` inserted before the extension.
func FlatPath(descriptorPath string) string {
	dir, file := path.Split(descriptorPath)
	ext := path.Ext(file)
	return dir + strings.TrimSuffix(file, ext) + "-flat" + ext
}

// Rewrite retargets descriptor text at an absolute flat-extent path: the
// createType is forced to vmfs and the first read-write extent line is
// replaced, keeping its sector count. All other lines pass through
// untouched. Rewriting already-rewritten text is a no-op.
func Rewrite(text, flatPath string) (string, error) {
	lines := strings.Split(text, "\n")

	createIdx, extentIdx := -1, -1
	var sectors int64
	for i, line := range lines {
		if createIdx < 0 && createTypeLine.MatchString(line) {
			createIdx = i
		}
		if extentIdx < 0 {
			if m := extentLine.FindStringSubmatch(line); m != nil {
				extentIdx = i
				sectors, _ = strconv.ParseInt(m[1], 10, 64)
			}
		}
	}
	if extentIdx < 0 {
		return "", ErrNoExtentLine
	}

	lines[extentIdx] = fmt.Sprintf("RW %d VMFS %q", sectors, flatPath)
	forced := fmt.Sprintf("createType=%q", CreateTypeVMFS)
	if createIdx >= 0 {
		lines[createIdx] = forced
	} else {
		lines = slices.Insert(lines, extentIdx, forced)
	}

	return strings.Join(lines, "\n"), nil
}

// Verify checks rewritten descriptor text: createType must be vmfs and a
// read-write extent line must reference flatPath.
func Verify(text, flatPath string) error {
	if !strings.EqualFold(parsedCreateType(text), CreateTypeVMFS) {
		return ErrCreateTypeCheck
	}
	for _, e := range Extents(text) {
		if e.File == flatPath && strings.EqualFold(e.Type, CreateTypeVMFS) {
			return nil
		}
	}
	return ErrExtentCheck
}

func parsedCreateType(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if !createTypeLine.MatchString(line) {
			continue
		}
		_, after, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		return strings.Trim(strings.TrimSpace(after), `"`)
	}
	return ""
}
