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

// Package guestos maps VMware guest-OS identifiers (the guestOS field of a
// .vmx descriptor) to human-readable labels. Lookup is two-tier: an exact
// table first, then ordered substring rules, so new identifier spellings
// still land on a sensible family label.
package guestos

import (
	"fmt"
	"strings"
)

// exact maps full identifiers, lowercased. Covers the spellings VMware
// products actually write.
var exact = map[string]string{
	"windows2025srvnext-64": "Windows Server 2025",
	"windows2022srvnext-64": "Windows Server 2022",
	"windows2019srvnext-64": "Windows Server 2022",
	"windows2019srv-64":     "Windows Server 2019",
	"windows9srv-64":        "Windows Server 2016",
	"windows8srv-64":        "Windows Server 2012",
	"windows8srv":           "Windows Server 2012",
	"windows7srv-64":        "Windows Server 2008 R2",
	"longhorn-64":           "Windows Server 2008",
	"longhorn":              "Windows Server 2008",
	"winnetenterprise-64":   "Windows Server 2003",
	"winnetenterprise":      "Windows Server 2003",
	"winnetstandard-64":     "Windows Server 2003",
	"winnetstandard":        "Windows Server 2003",
	"windows12-64":          "Windows 12",
	"windows11-64":          "Windows 11",
	"windows9-64":           "Windows 10",
	"windows9":              "Windows 10",
	"windows8-64":           "Windows 8",
	"windows8":              "Windows 8",
	"windows7-64":           "Windows 7",
	"windows7":              "Windows 7",
	"winvista-64":           "Windows Vista",
	"winvista":              "Windows Vista",
	"winxppro-64":           "Windows XP",
	"winxppro":              "Windows XP",
	"ubuntu-64":             "Ubuntu Linux",
	"ubuntu":                "Ubuntu Linux",
	"debian12-64":           "Debian 12",
	"debian11-64":           "Debian 11",
	"debian10-64":           "Debian 10",
	"rhel9-64":              "Red Hat Enterprise Linux 9",
	"rhel8-64":              "Red Hat Enterprise Linux 8",
	"rhel7-64":              "Red Hat Enterprise Linux 7",
	"centos9-64":            "CentOS 9",
	"centos8-64":            "CentOS 8",
	"centos7-64":            "CentOS 7",
	"oraclelinux9-64":       "Oracle Linux 9",
	"oraclelinux8-64":       "Oracle Linux 8",
	"sles16-64":             "SUSE Linux Enterprise 16",
	"sles15-64":             "SUSE Linux Enterprise 15",
	"sles12-64":             "SUSE Linux Enterprise 12",
	"vmware-photon-64":      "VMware Photon",
	"other6xlinux-64":       "Linux 6.x",
	"other5xlinux-64":       "Linux 5.x",
	"other4xlinux-64":       "Linux 4.x",
	"otherlinux-64":         "Linux",
	"otherlinux":            "Linux",
	"freebsd14-64":          "FreeBSD 14",
	"freebsd13-64":          "FreeBSD 13",
	"freebsd12-64":          "FreeBSD 12",
	"solaris11-64":          "Oracle Solaris 11",
	"solaris10-64":          "Oracle Solaris 10",
	"darwin23-64":           "macOS 14",
	"darwin22-64":           "macOS 13",
	"darwin21-64":           "macOS 12",
	"vmkernel8":             "VMware ESXi 8",
	"vmkernel7":             "VMware ESXi 7",
	"vmkernel65":            "VMware ESXi 6.5",
	"other-64":              "Other",
	"other":                 "Other",
}

// rule is one substring predicate. Order matters: server spellings are
// checked before desktop ones, distributions before the generic linux
// catch-all, darwin before anything containing "win".
type rule struct {
	substr string
	label  string
}

var rules = []rule{
	{"darwin", "macOS"},
	{"vmkernel", "VMware ESXi"},
	{"esxi", "VMware ESXi"},
	{"2025srv", "Windows Server 2025"},
	{"2022srv", "Windows Server 2022"},
	{"2019srv", "Windows Server 2019"},
	{"2016srv", "Windows Server 2016"},
	{"9srv", "Windows Server 2016"},
	{"8srv", "Windows Server 2012"},
	{"7srv", "Windows Server 2008 R2"},
	{"longhorn", "Windows Server 2008"},
	{"winnet", "Windows Server 2003"},
	{"srv", "Windows Server"},
	{"windows12", "Windows 12"},
	{"windows11", "Windows 11"},
	{"windows10", "Windows 10"},
	{"windows9", "Windows 10"},
	{"windows8", "Windows 8"},
	{"windows7", "Windows 7"},
	{"vista", "Windows Vista"},
	{"winxp", "Windows XP"},
	{"win2000", "Windows 2000"},
	{"windows", "Windows"},
	{"ubuntu", "Ubuntu Linux"},
	{"debian", "Debian Linux"},
	{"rhel", "Red Hat Enterprise Linux"},
	{"redhat", "Red Hat Enterprise Linux"},
	{"centos", "CentOS"},
	{"oracle", "Oracle Linux"},
	{"sles", "SUSE Linux Enterprise"},
	{"suse", "SUSE Linux Enterprise"},
	{"fedora", "Fedora Linux"},
	{"photon", "VMware Photon"},
	{"alma", "AlmaLinux"},
	{"rocky", "Rocky Linux"},
	{"linux", "Linux"},
	{"freebsd", "FreeBSD"},
	{"openbsd", "OpenBSD"},
	{"netbsd", "NetBSD"},
	{"solaris", "Oracle Solaris"},
}

// Label returns the friendly label for a raw guest-OS identifier.
// Unrecognized identifiers come back as "Other (<raw>)" so the raw value
// stays visible; empty input is plain "Other".
func Label(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return "Other"
	}
	if label, ok := exact[id]; ok {
		return label
	}
	for _, r := range rules {
		if strings.Contains(id, r.substr) {
			return r.label
		}
	}
	return fmt.Sprintf("Other (%s)", strings.TrimSpace(raw))
}
