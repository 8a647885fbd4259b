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

// Package nodefake provides an in-memory hypervisor node for controller
// tests: files and directories live in maps, qm-style mutations edit the
// stored guest configuration, and every mutation is recorded.
package nodefake

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/types"
	"github.com/caravel-vm/caravel/pkg/pveconf"
)

var slotCapacity = map[types.Bus]int{
	types.BusIDE:  4,
	types.BusSATA: 6,
	types.BusSCSI: 31,
	types.BusNVMe: 8,
}

// Fake is an in-memory adapter.Node.
type Fake struct {
	t    *testing.T
	name string

	mu       sync.Mutex
	files    map[string]string
	sizes    map[string]int64
	dirs     map[string]bool
	readErr  map[string]error
	writeErr map[string]error
	commands []string
	closes   int

	gate    chan struct{}
	entered chan string
}

// New returns a Fake presenting itself as the named node.
func New(t *testing.T, name string) *Fake {
	t.Helper()

	return &Fake{
		t:        t,
		name:     name,
		files:    map[string]string{},
		sizes:    map[string]int64{},
		dirs:     map[string]bool{},
		readErr:  map[string]error{},
		writeErr: map[string]error{},
	}
}

// ---------------------------------------------------- FIXTURES ---------------------------------------------------- //

// WithFile seeds a readable file and the directories leading to it.
func (f *Fake) WithFile(p, content string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.files[p] = content
	f.seedParents(p)

	return f
}

// WithFileSize seeds a file that can be stat'ed but not read, standing in
// for a data extent too large to pull over the channel.
func (f *Fake) WithFileSize(p string, size int64) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sizes[p] = size
	f.seedParents(p)

	return f
}

// WithDir seeds an empty directory.
func (f *Fake) WithDir(p string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirs[p] = true

	return f
}

// WithReadError makes reads and stats of one path fail.
func (f *Fake) WithReadError(p string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.readErr[p] = err

	return f
}

// WithWriteError makes writes of one path fail.
func (f *Fake) WithWriteError(p string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writeErr[p] = err

	return f
}

// GateWrites makes every subsequent WriteTextFile block until release is
// called or the call's context ends. Each blocked call reports its path on
// the returned channel before blocking.
func (f *Fake) GateWrites() (entered <-chan string, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gate = make(chan struct{})
	f.entered = make(chan string, 16)

	return f.entered, sync.OnceFunc(func() { close(f.gate) })
}

// --------------------------------------------------- INSPECTION --------------------------------------------------- //

// FileContent returns the stored content of a path.
func (f *Fake) FileContent(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	content, ok := f.files[p]

	return content, ok
}

// Commands returns every qm-style mutation in call order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.commands))
	copy(out, f.commands)

	return out
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closes
}

// ------------------------------------------------- NODE INTERFACE ------------------------------------------------- //

func (f *Fake) ReadTextFile(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.readErr[p]; err != nil {
		return "", fmt.Errorf("path %q: %w", p, err)
	}

	content, ok := f.files[p]
	if !ok {
		return "", fmt.Errorf("path %q: %w", p, fs.ErrNotExist)
	}

	return content, nil
}

func (f *Fake) WriteTextFile(ctx context.Context, p, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	gate, entered := f.gate, f.entered
	err := f.writeErr[p]
	f.mu.Unlock()

	if err != nil {
		return fmt.Errorf("path %q: %w", p, err)
	}

	if gate != nil {
		select {
		case entered <- p:
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.files[p] = text
	f.seedParents(p)

	return nil
}

func (f *Fake) EnsureDirectory(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirs[p] = true

	return nil
}

func (f *Fake) DirectoryExists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dirs[p], nil
}

func (f *Fake) FileSize(ctx context.Context, p string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.readErr[p]; err != nil {
		return 0, fmt.Errorf("path %q: %w", p, err)
	}

	if size, ok := f.sizes[p]; ok {
		return size, nil
	}

	if content, ok := f.files[p]; ok {
		return int64(len(content)), nil
	}

	return 0, fmt.Errorf("path %q: %w", p, fs.ErrNotExist)
}

func (f *Fake) Glob(ctx context.Context, root, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	seen := map[string]struct{}{}
	for p := range f.files {
		seen[p] = struct{}{}
	}

	for p := range f.sizes {
		seen[p] = struct{}{}
	}

	var out []string

	for p := range seen {
		if !strings.HasPrefix(p, strings.TrimRight(root, "/")+"/") {
			continue
		}

		ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(path.Base(p)))
		if err != nil {
			return nil, err
		}

		if ok {
			out = append(out, p)
		}
	}

	sort.Strings(out)

	return out, nil
}

func (f *Fake) VMIDInUse(ctx context.Context, vmid int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	qemu := fmt.Sprintf("/qemu-server/%d.conf", vmid)
	lxc := fmt.Sprintf("/lxc/%d.conf", vmid)

	for p := range f.files {
		if strings.HasPrefix(p, "/etc/pve/nodes/") &&
			(strings.HasSuffix(p, qemu) || strings.HasSuffix(p, lxc)) {
			return true, nil
		}
	}

	return false, nil
}

func (f *Fake) FirstFreeDiskSlot(ctx context.Context, vmid int, bus types.Bus) (int, error) {
	capacity, ok := slotCapacity[bus]
	if !ok {
		return 0, fmt.Errorf("unknown bus %q: %w", bus, adapter.ErrNoFreeSlot)
	}

	text, err := f.ReadTextFile(ctx, f.ConfigPath(vmid))
	if err != nil {
		return 0, err
	}

	for slot := 0; slot < capacity; slot++ {
		if _, used := pveconf.Value(text, fmt.Sprintf("%s%d", bus, slot)); !used {
			return slot, nil
		}
	}

	return 0, fmt.Errorf("bus %q full on vmid %d: %w", bus, vmid, adapter.ErrNoFreeSlot)
}

func (f *Fake) AttachDisk(
	ctx context.Context,
	vmid int,
	bus types.Bus,
	slot int,
	storage string,
	sizeGiB int64,
) error {
	line := fmt.Sprintf("%s%d: %s:%d", bus, slot, storage, sizeGiB)

	return f.appendConfLine(ctx, vmid, line, fmt.Sprintf("attach %d %s%d %s:%d", vmid, bus, slot, storage, sizeGiB))
}

func (f *Fake) SetCDROM(ctx context.Context, vmid int, volid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	conf := f.ConfigPath(vmid)

	text, ok := f.files[conf]
	if !ok {
		return fmt.Errorf("path %q: %w", conf, fs.ErrNotExist)
	}

	f.files[conf] = replaceLine(text, "ide2", volid+",media=cdrom")
	f.commands = append(f.commands, fmt.Sprintf("cdrom %d %s", vmid, volid))

	return nil
}

func (f *Fake) AddEFIVars(ctx context.Context, vmid int, storage string) error {
	line := fmt.Sprintf("efidisk0: %s:1,efitype=4m", storage)

	return f.appendConfLine(ctx, vmid, line, fmt.Sprintf("efivars %d %s", vmid, storage))
}

func (f *Fake) ConfigPath(vmid int) string {
	return fmt.Sprintf("/etc/pve/nodes/%s/qemu-server/%d.conf", f.name, vmid)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes++

	return nil
}

// ----------------------------------------------------- HELPERS ---------------------------------------------------- //

func (f *Fake) appendConfLine(ctx context.Context, vmid int, line, command string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	conf := f.ConfigPath(vmid)

	text, ok := f.files[conf]
	if !ok {
		return fmt.Errorf("path %q: %w", conf, fs.ErrNotExist)
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	f.files[conf] = text + line + "\n"
	f.commands = append(f.commands, command)

	return nil
}

// seedParents registers every ancestor directory of a path. Callers hold
// f.mu.
func (f *Fake) seedParents(p string) {
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		f.dirs[dir] = true
	}
}

func replaceLine(text, key, value string) string {
	lines := strings.Split(text, "\n")

	for i, line := range lines {
		k, _, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(k) == key {
			lines[i] = key + ": " + value

			return strings.Join(lines, "\n")
		}
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	return text + key + ": " + value + "\n"
}

// ---------------------------------------------------- CONNECTOR --------------------------------------------------- //

// Connector hands out the same Fake for every dial.
type Connector struct {
	mu       sync.Mutex
	node     *Fake
	err      error
	connects int
}

// NewConnector returns a Connector serving node.
func NewConnector(node *Fake) *Connector {
	return &Connector{node: node}
}

// WithError makes every Connect fail.
func (c *Connector) WithError(err error) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.err = err

	return c
}

// Connects returns how many dials succeeded.
func (c *Connector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connects
}

func (c *Connector) Connect(
	ctx context.Context,
	_ types.Cluster,
	_ string,
) (adapter.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	c.connects++

	return c.node, nil
}
