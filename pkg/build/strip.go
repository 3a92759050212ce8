// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package build

import (
	"fmt"
	"time"

	"github.com/ripkit/ripkit/pkg/osutil"
)

// Candidate strip tools in preference order. llvm-strip understands every
// target architecture; GNU strip only the host's unless binutils is
// multiarch, so it comes second.
var stripTools = []string{"llvm-strip", "strip"}

const stripTimeout = time.Minute

// Strip copies binary to dst and strips the copy in place, leaving the
// unstripped original untouched.
func Strip(binary, dst string) error {
	var lastErr error
	for _, tool := range stripTools {
		if err := osutil.CopyFile(binary, dst); err != nil {
			return fmt.Errorf("failed to copy for stripping: %w", err)
		}
		if _, err := osutil.RunCmd(stripTimeout, "", tool, dst); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all strip tools failed: %w", lastErr)
}
