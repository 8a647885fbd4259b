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

package ssh

import (
	"context"
	"fmt"
	"strings"
)

// Runner executes commands on a remote host. One Runner maps to one open
// connection; callers reuse it for a whole scan or run and Close it once.
type Runner interface {
	Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error)
	Close() error
}

var unquotable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	"&":  {},
}

// FormatCmd renders a command line for the remote shell, quoting every
// argument except shell operators.
func FormatCmd(cmd ...string) string {
	out := ""
	for _, s := range cmd {
		if _, ok := unquotable[s]; ok {
			out = fmt.Sprintf("%s%s ", out, s)
		} else {
			out = fmt.Sprintf("%s%q ", out, s)
		}
	}
	return strings.TrimSpace(out)
}
