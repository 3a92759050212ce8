// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ripkit/ripkit/pkg/osutil"
)

// IDA runs IDA Pro in batch mode. The dump script receives the output file
// as its argument and writes one hex function start address per line.
type IDA struct {
	Bin    string // path to idat64
	Script string // IDAPython script that dumps function starts
}

func (ida *IDA) Name() string {
	return "ida"
}

func (ida *IDA) Analyze(ctx context.Context, bin string) ([]uint64, error) {
	if ida.Bin == "" {
		return nil, fmt.Errorf("ida backend is not configured (idat64 path is empty)")
	}
	out := bin + ".funcs"
	defer os.Remove(out)
	cmd := osutil.Command(ida.Bin, "-B", "-S"+ida.Script+" "+out, bin)
	if _, err := osutil.RunContext(ctx, 0, cmd); err != nil {
		return nil, err
	}
	return parseAddrFile(out)
}

// parseAddrFile reads whitespace-separated hex function start addresses.
func parseAddrFile(path string) ([]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var starts []uint64
	for _, field := range strings.Fields(string(data)) {
		addr, err := parseAddr(field)
		if err != nil {
			return nil, fmt.Errorf("malformed address %q in %v: %w",
				field, filepath.Base(path), err)
		}
		starts = append(starts, addr)
	}
	slices.Sort(starts)
	return slices.Compact(starts), nil
}
