// Copyright 2026 The cowfs Authors. All Rights Reserved.
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

// Package mount holds helpers for turning command-line mount arguments into
// the form the FUSE driver expects.
package mount

import "strings"

// ParseOptions parses the value of one repeated -o flag, a comma-separated
// list of name or name=value tokens, into m. There is no way to escape a
// comma in an fstab-style options list, so none is supported here either.
func ParseOptions(m map[string]string, s string) {
	for _, p := range strings.Split(s, ",") {
		var name, value string
		if i := strings.IndexByte(p, '='); i != -1 {
			name = p[:i]
			value = p[i+1:]
		} else {
			name = p
		}
		m[name] = value
	}
}
