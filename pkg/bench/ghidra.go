// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bench

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/ripkit/ripkit/pkg/osutil"
)

// benchSep separates the fields of the post-script protocol. The separator
// is unusual enough that arbitrary analysis chatter on the same stream
// never parses as a result line.
const benchSep = "<BENCH_SEP>"

// ghidraScript prints one "FOUND_FUNC <BENCH_SEP> name <BENCH_SEP> addr"
// line per function the analysis recovered.
const ghidraScript = "ListFunctions.java"

// Ghidra runs a headless Ghidra auto-analysis of the binary and collects
// the recovered function entry points from the post-script output.
type Ghidra struct {
	Headless  string // path to Ghidra's analyzeHeadless launcher
	ScriptDir string // directory containing ListFunctions.java
}

func (g *Ghidra) Name() string {
	return "ghidra"
}

func (g *Ghidra) Analyze(ctx context.Context, bin string) ([]uint64, error) {
	if g.Headless == "" {
		return nil, fmt.Errorf("ghidra backend is not configured (analyzeHeadless path is empty)")
	}
	projDir, err := os.MkdirTemp("", "ripkit-ghidra")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(projDir)
	cmd := osutil.Command(g.Headless, projDir, "bench",
		"-import", bin,
		"-postScript", ghidraScript,
		"-scriptPath", g.ScriptDir,
		"-deleteProject")
	output, err := osutil.RunContext(ctx, 0, cmd)
	if err != nil {
		return nil, err
	}
	return parseFuncList(output)
}

// parseFuncList extracts function entry points from the analysis output.
// Lines that are not FOUND_FUNC records (banners, analysis logs) are
// ignored, but a FOUND_FUNC record with a bad address fails the run.
func parseFuncList(output []byte) ([]uint64, error) {
	var starts []uint64
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Split(line, benchSep)
		if len(fields) != 3 || strings.TrimSpace(fields[0]) != "FOUND_FUNC" {
			continue
		}
		addr, err := parseAddr(fields[2])
		if err != nil {
			return nil, fmt.Errorf("malformed function list line %q: %w",
				strings.TrimSpace(line), err)
		}
		starts = append(starts, addr)
	}
	slices.Sort(starts)
	return slices.Compact(starts), nil
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	return strconv.ParseUint(s, 16, 64)
}
