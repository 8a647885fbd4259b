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

// Package pveconf synthesizes Proxmox VE qemu-server configuration files,
// the line-oriented `key: value` format under
// /etc/pve/nodes/<node>/qemu-server/<vmid>.conf.
package pveconf

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// CDROMStub is the placeholder removable-media line every generated
	// config carries; MountISO later replaces it with a real volume.
	CDROMStub = "ide2: none,media=cdrom"

	scsiHWDefault    = "virtio-scsi-pci"
	scsiHWMultiQueue = "virtio-scsi-single"

	defaultNicModel = "e1000"
)

// Disk is one attached disk line.
type Disk struct {
	Bus      string // scsi, sata, ide, nvme, virtio
	Index    int
	Storage  string
	Filename string // descriptor file name inside the vmid image directory
}

// Nic is one virtual network interface line.
type Nic struct {
	Model  string
	MAC    string
	Bridge string
	VLAN   *int
}

// Config collects everything Render needs to produce a config file.
type Config struct {
	Name     string
	VMID     int
	UEFI     bool
	UUID     string // raw; normalized while rendering, skipped when invalid
	CPUType  string
	MemoryMB int

	// Sockets and Cores are emitted when both are known; otherwise VCPUs
	// becomes a single-socket topology. All zero: no topology lines.
	Sockets int
	Cores   int
	VCPUs   int

	// SCSIHW overrides the controller heuristic when non-empty.
	SCSIHW string

	// DriverStaging biases the controller heuristic toward the
	// multi-queue type, matching the disk the staging step attaches.
	DriverStaging bool

	Disks []Disk
	Nics  []Nic
}

// Render produces the config file text. Disk and NIC lines keep their input
// order; the boot line follows the disk lines and always targets the first
// disk.
func (c Config) Render() string {
	lines := make([]string, 0, 12+len(c.Disks)+len(c.Nics))

	bios := "seabios"
	if c.UEFI {
		bios = "ovmf"
	}
	lines = append(lines, "bios: "+bios, "machine: q35", "name: "+c.Name)

	if c.UUID != "" {
		if u, ok := NormalizeUUID(c.UUID); ok {
			lines = append(lines, "smbios1: uuid="+u)
		}
	}
	if c.CPUType != "" {
		lines = append(lines, "cpu: "+c.CPUType)
	}
	if c.MemoryMB > 0 {
		lines = append(lines, fmt.Sprintf("memory: %d", c.MemoryMB))
	}
	if sockets, cores := c.topology(); cores > 0 {
		lines = append(lines,
			fmt.Sprintf("sockets: %d", sockets),
			fmt.Sprintf("cores: %d", cores),
		)
	}
	lines = append(lines, "scsihw: "+c.scsiHW())

	for _, d := range c.Disks {
		lines = append(lines, fmt.Sprintf("%s%d: %s:%d/%s,%s",
			d.Bus, d.Index, d.Storage, c.VMID, d.Filename, diskOptions(d.Bus)))
	}
	if len(c.Disks) > 0 {
		lines = append(lines, fmt.Sprintf("boot: order=%s%d", c.Disks[0].Bus, c.Disks[0].Index))
	}
	lines = append(lines, CDROMStub)

	for i, n := range c.Nics {
		lines = append(lines, netLine(i, n))
	}

	return strings.Join(lines, "\n") + "\n"
}

func (c Config) topology() (sockets, cores int) {
	switch {
	case c.Sockets > 0 && c.Cores > 0:
		return c.Sockets, c.Cores
	case c.VCPUs > 0:
		return 1, c.VCPUs
	}
	return 0, 0
}

func (c Config) scsiHW() string {
	if c.SCSIHW != "" {
		return c.SCSIHW
	}
	if c.DriverStaging {
		return scsiHWMultiQueue
	}
	for _, d := range c.Disks {
		if strings.HasPrefix(d.Bus, "scsi") {
			return scsiHWMultiQueue
		}
	}
	return scsiHWDefault
}

func diskOptions(bus string) string {
	if strings.HasPrefix(bus, "scsi") || strings.HasPrefix(bus, "virtio") {
		return "discard=on,iothread=1,ssd=1"
	}
	return "discard=on,ssd=1"
}

func netLine(index int, n Nic) string {
	model := n.Model
	if model == "" {
		model = defaultNicModel
	}

	var b strings.Builder
	fmt.Fprintf(&b, "net%d: %s", index, model)
	if n.MAC != "" {
		fmt.Fprintf(&b, "=%s", NormalizeMAC(n.MAC))
	}
	fmt.Fprintf(&b, ",bridge=%s,firewall=1", StripBridgeAnnotation(n.Bridge))
	if n.VLAN != nil && *n.VLAN > 0 {
		fmt.Fprintf(&b, ",tag=%d", *n.VLAN)
	}
	return b.String()
}

// ------------------------------------------------ NORMALIZATION --------------------------------------------------- //

var bridgeAnnotation = regexp.MustCompile(`\s*\([^)]*\)\s*$`)

// NormalizeUUID canonicalizes a firmware UUID to hyphenated lowercase. It
// accepts hyphenated input, bare 32-hex input, and the space-separated form
// VMware writes into uuid.bios fields. ok is false when the input is not a
// UUID at all.
func NormalizeUUID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if u, err := uuid.Parse(s); err == nil {
		return u.String(), true
	}

	stripped := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, s)
	if u, err := uuid.Parse(stripped); err == nil {
		return u.String(), true
	}

	return "", false
}

// NormalizeMAC canonicalizes a MAC address to uppercase colon-separated
// form when the input holds exactly 12 hex digits between common
// separators. Anything else comes back uppercased, unchanged otherwise.
func NormalizeMAC(raw string) string {
	var digits []byte
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			digits = append(digits, byte(r))
		case r == ':' || r == '-' || r == '.' || r == ' ':
		default:
			return strings.ToUpper(raw)
		}
	}
	if len(digits) != 12 {
		return strings.ToUpper(raw)
	}

	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, strings.ToUpper(string(digits[i:i+2])))
	}
	return strings.Join(parts, ":")
}

// StripBridgeAnnotation removes a trailing parenthetical annotation from a
// bridge name, e.g. "vmbr0 (uplink trunk)" becomes "vmbr0".
func StripBridgeAnnotation(raw string) string {
	return strings.TrimSpace(bridgeAnnotation.ReplaceAllString(raw, ""))
}

// ------------------------------------------------- INSPECTION ----------------------------------------------------- //

// Value returns the value of the first `key: value` line of config text.
// Keys never contain a colon, so the split is unambiguous even though
// values often do.
func Value(text, key string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == key {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// CDROMMedia returns the removable-media volume of config text, i.e. the
// first option of the ide2 line. ok is false when no ide2 line exists.
func CDROMMedia(text string) (string, bool) {
	v, ok := Value(text, "ide2")
	if !ok {
		return "", false
	}
	media, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(media), true
}
