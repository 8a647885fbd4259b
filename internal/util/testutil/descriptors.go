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

// Package testutil provides descriptor fixtures shared by scanner,
// executor and end-to-end tests: realistic .vmx and .vmdk texts shaped
// like the ones ESXi writes onto a datastore.
package testutil

import (
	"fmt"
	"strings"
)

// NewLinuxVMX returns a BIOS-firmware Ubuntu guest with two SCSI disks on
// one paravirtual controller and one e1000 NIC.
func NewLinuxVMX(name string) string {
	return fmt.Sprintf(`.encoding = "UTF-8"
config.version = "8"
virtualHW.version = "14"
displayName = %q
guestOS = "ubuntu-64"
numvcpus = "2"
memsize = "4096"
scsi0.present = "TRUE"
scsi0.virtualDev = "pvscsi"
scsi0:0.present = "TRUE"
scsi0:0.deviceType = "scsi-hardDisk"
scsi0:0.fileName = "%s.vmdk"
scsi0:1.present = "TRUE"
scsi0:1.deviceType = "scsi-hardDisk"
scsi0:1.fileName = "%s_1.vmdk"
ethernet0.present = "TRUE"
ethernet0.virtualDev = "e1000"
ethernet0.addressType = "generated"
ethernet0.generatedAddress = "00:0c:29:11:22:33"
uuid.bios = "56 4d 32 16 f1 4e 52 52-dd 66 0f 71 f4 73 16 22"
`, name, name, name)
}

// NewWindowsUEFIVMX returns a UEFI Windows Server guest with secure boot,
// a vTPM, one SCSI disk, one SATA disk and a vmxnet3 NIC carrying an
// explicit MAC.
func NewWindowsUEFIVMX(name string) string {
	return fmt.Sprintf(`.encoding = "UTF-8"
displayName = %q
guestOS = "windows2019srv-64"
numvcpus = "4"
cpuid.coresPerSocket = "2"
memsize = "8192"
firmware = "efi"
uefi.secureBoot.enabled = "TRUE"
vtpm.present = "TRUE"
nvram = "%s.nvram"
disk.EnableUUID = "TRUE"
scsi0.present = "TRUE"
scsi0.virtualDev = "lsisas1068"
scsi0:0.present = "TRUE"
scsi0:0.deviceType = "scsi-hardDisk"
scsi0:0.fileName = "%s.vmdk"
sata0.present = "TRUE"
sata0:1.present = "TRUE"
sata0:1.fileName = "%s_1.vmdk"
ethernet0.present = "TRUE"
ethernet0.virtualDev = "vmxnet3"
ethernet0.addressType = "static"
ethernet0.address = "00:50:56:9a:bc:de"
`, name, name, name, name)
}

// NewFlatVMDK returns a single-extent vmfs descriptor whose read-write
// extent spans the given sector count.
func NewFlatVMDK(base string, sectors int64) string {
	return fmt.Sprintf(`# Disk DescriptorFile
version=1
encoding="UTF-8"
CID=fffffffe
parentCID=ffffffff
createType="vmfs"

# Extent description
RW %d VMFS "%s-flat.vmdk"

# The Disk Data Base
#DDB

ddb.adapterType = "lsilogic"
ddb.virtualHWVersion = "14"
`, sectors, base)
}

// NewSparseVMDK returns a hosted sparse descriptor with one read-write
// extent per given sector count.
func NewSparseVMDK(base string, sectors ...int64) string {
	var b strings.Builder
	b.WriteString("# Disk DescriptorFile\nversion=1\nCID=deadbeef\ncreateType=\"twoGbMaxExtentSparse\"\n\n")
	for i, n := range sectors {
		fmt.Fprintf(&b, "RW %d SPARSE \"%s-s%03d.vmdk\"\n", n, base, i+1)
	}
	return b.String()
}
