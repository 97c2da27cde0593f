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

// Package pathclass distinguishes the three regions of the overlay's
// namespace: the reserved sidecar directory, the read-only original view
// rooted at /.original, and the live working view.
package pathclass

import "strings"

// Kind identifies which region of the mount namespace a path belongs to.
type Kind int

const (
	// Working is an ordinary path in the live, mutable view.
	Working Kind = iota
	// Original is a path under /.original, the read-only reconstructed view.
	Original
	// Reserved is the sidecar directory (/.cow and anything under it). It is
	// never visible through either view.
	Reserved
)

const (
	originalPrefix = "/.original"
	reservedPrefix = "/.cow"
)

// Classification is the result of classifying a mount-namespace path.
type Classification struct {
	Kind Kind

	// Subpath is populated only when Kind == Original: the corresponding
	// working-view path, with a leading slash, empty input mapping to "/".
	Subpath string
}

// Classify categorizes p without any normalization; comparisons are
// byte-exact.
func Classify(p string) Classification {
	if hasPrefixBoundary(p, reservedPrefix) {
		return Classification{Kind: Reserved}
	}
	if hasPrefixBoundary(p, originalPrefix) {
		sub := p[len(originalPrefix):]
		if sub == "" {
			sub = "/"
		}
		return Classification{Kind: Original, Subpath: sub}
	}
	return Classification{Kind: Working}
}

// hasPrefixBoundary reports whether p equals prefix or begins with prefix
// followed by a slash.
func hasPrefixBoundary(p, prefix string) bool {
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	rest := p[len(prefix):]
	return rest == "" || rest[0] == '/'
}
