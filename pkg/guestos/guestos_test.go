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

package guestos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		// exact table hits
		{"windows2019srv-64", "Windows Server 2019"},
		{"windows9srv-64", "Windows Server 2016"},
		{"windows2022srvnext-64", "Windows Server 2022"},
		{"windows11-64", "Windows 11"},
		{"windows9-64", "Windows 10"},
		{"ubuntu-64", "Ubuntu Linux"},
		{"debian12-64", "Debian 12"},
		{"rhel9-64", "Red Hat Enterprise Linux 9"},
		{"centos7-64", "CentOS 7"},
		{"sles15-64", "SUSE Linux Enterprise 15"},
		{"freebsd13-64", "FreeBSD 13"},
		{"vmkernel7", "VMware ESXi 7"},
		{"other-64", "Other"},

		// substring fallbacks for spellings not in the table
		{"windows2031srv-64", "Windows Server"},
		{"windows10srv", "Windows Server"},
		{"debian13-64", "Debian Linux"},
		{"ubuntu64Guest", "Ubuntu Linux"},
		{"almalinux-64", "AlmaLinux"},
		{"rockylinux-64", "Rocky Linux"},
		{"oraclelinux10-64", "Oracle Linux"},
		{"other7xlinux-64", "Linux"},
		{"darwin25-64", "macOS"},
		{"solaris9", "Oracle Solaris"},
		{"vmkernel9", "VMware ESXi"},

		// winnet family
		{"winNetStandard", "Windows Server 2003"},

		// unknown and empty
		{"haiku-64", "Other (haiku-64)"},
		{"", "Other"},
		{"   ", "Other"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, Label(tt.raw))
		})
	}
}

func TestLabelIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, Label("ubuntu-64"), Label("Ubuntu-64"))
	assert.Equal(t, Label("windows2019srv-64"), Label("WINDOWS2019SRV-64"))
}

func TestLabelDarwinIsNotWindows(t *testing.T) {
	// "darwin" contains "win"-adjacent substrings; it must never classify
	// as a Windows variant.
	assert.Equal(t, "macOS", Label("darwin18-64"))
}
