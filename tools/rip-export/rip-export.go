// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rip-export writes a feature/label dataset from a repository selection.
// Each selected entry becomes a <digest>.feat/<digest>.lbl pair plus a
// manifest that pins the exact selection, so an export can be reproduced
// or checked for train/test leakage later (rip-stats leakage).
//
// Usage:
//
//	rip-export -repo /data/repo -out /data/ds-O0 -format bytes -opts O0 -min-text 4096
package main

import (
	"flag"
	"fmt"

	"github.com/ripkit/ripkit/pkg/dataset"
	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/ripbin"
	"github.com/ripkit/ripkit/pkg/tool"
)

func main() {
	var (
		flagRepo    = flag.String("repo", "", "binary repository (required)")
		flagOut     = flag.String("out", "", "output directory, must not exist yet (required)")
		flagFormat  = flag.String("format", "bytes", "feature encoding: bytes or chunked")
		flagPkgs    = flag.String("packages", "", "package name pattern, e.g. 'rip*'")
		flagMinText = flag.Int("min-text", 0, "drop binaries with a smaller code section")
		flagMaxText = flag.Int("max-text", 0, "drop binaries with a larger code section (0: unbounded)")
		flagUnique  = flag.Bool("unique-names", false, "drop executables with duplicate names per target/opt")
		flagAllOpts = flag.Bool("require-all-opts", false, "keep only executables built at every requested opt level")

		flagTargets, flagOpts, flagLinkages tool.ListFlag
	)
	flag.Var(&flagTargets, "targets", "comma-separated target triples to select")
	flag.Var(&flagOpts, "opts", "comma-separated optimization levels to select")
	flag.Var(&flagLinkages, "linkages", "comma-separated linkage modes to select")
	defer tool.Init()()
	if *flagRepo == "" || *flagOut == "" {
		tool.Failf("both -repo and -out are required")
	}
	format, err := dataset.ParseFormat(*flagFormat)
	if err != nil {
		tool.Fail(err)
	}
	filter := dataset.Filter{
		Targets:        flagTargets,
		Opts:           flagOpts,
		Linkages:       flagLinkages,
		PackagePattern: *flagPkgs,
		MinTextBytes:   *flagMinText,
		MaxTextBytes:   *flagMaxText,
		UniqueNames:    *flagUnique,
		RequireAllOpts: *flagAllOpts,
	}
	repo, err := ripbin.Open(*flagRepo)
	if err != nil {
		tool.Fail(err)
	}
	defer repo.Close()
	manifest, bad, err := dataset.Export(repo, filter, format, *flagOut)
	if err != nil {
		tool.Fail(err)
	}
	for _, e := range bad {
		log.Logf(0, "%v", e)
	}
	fmt.Printf("exported %v entries to %v (%v skipped)\n", len(manifest.Digests), *flagOut, len(bad))
}
