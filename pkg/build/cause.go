// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package build

import (
	"bytes"
)

// transientFailure reports whether the build output looks like a network or
// toolchain-download hiccup that a retry may fix, as opposed to the package
// genuinely not compiling.
func transientFailure(output []byte) bool {
	lower := bytes.ToLower(output)
	for _, pattern := range transientPatterns {
		if bytes.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

var transientPatterns = [][]byte{
	[]byte("spurious network error"),
	[]byte("error trying to connect"),
	[]byte("connection reset by peer"),
	[]byte("connection timed out"),
	[]byte("temporary failure in name resolution"),
	[]byte("failed to fetch"),
	[]byte("could not download"),
	[]byte("failed to download"),
	// Concurrent rustup toolchain installs race on component files.
	[]byte("could not rename component file"),
}

// extractCause picks the diagnostic lines out of cargo output so that batch
// summaries don't drown in the full log. Weak patterns are generic trailers
// ("could not compile ...") kept only when nothing specific matched.
func extractCause(output []byte, err error) []byte {
	lines := extractCauseRaw(output)
	const maxLines = 20
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	if len(lines) == 0 {
		return []byte(err.Error())
	}
	return bytes.Join(lines, []byte{'\n'})
}

func extractCauseRaw(output []byte) [][]byte {
	weak := true
	var cause [][]byte
	dedup := make(map[string]bool)
	for _, line := range bytes.Split(output, []byte{'\n'}) {
		for _, pattern := range buildFailureCauses {
			if !bytes.Contains(line, pattern.pattern) {
				continue
			}
			if weak && !pattern.weak {
				cause = nil
				dedup = make(map[string]bool)
			}
			if dedup[string(line)] {
				continue
			}
			dedup[string(line)] = true
			if cause == nil {
				weak = pattern.weak
			}
			cause = append(cause, line)
			break
		}
	}
	return cause
}

type buildFailureCause struct {
	pattern []byte
	weak    bool
}

var buildFailureCauses = [...]buildFailureCause{
	{pattern: []byte("error[E")},
	{weak: true, pattern: []byte("error: could not compile")},
	{weak: true, pattern: []byte("error: build failed")},
	{pattern: []byte("error: linking with")},
	{pattern: []byte("error: ")},
	{pattern: []byte("undefined reference to")},
	{pattern: []byte(": fatal error: ")},
	{weak: true, pattern: []byte("collect2: error: ")},
}
