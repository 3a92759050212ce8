// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rip-build runs the build matrix pipeline: it fetches the packages named in
// the plan, cross-compiles each over the configured {target, opt, linkage}
// matrix, extracts ground truth and stores the results in the binary
// repository. Cells that are already stored for unchanged sources are
// skipped, so interrupted batches can simply be rerun.
//
// Usage:
//
//	rip-build -config farm.cfg -plan top100.yml
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/ripkit/ripkit/pkg/pipeline"
	"github.com/ripkit/ripkit/pkg/tool"
)

func main() {
	var (
		flagConfig = flag.String("config", "", "configuration file (required)")
		flagPlan   = flag.String("plan", "", "build plan file (required)")
	)
	defer tool.Init()()
	if *flagConfig == "" || *flagPlan == "" {
		tool.Failf("usage: rip-build -config farm.cfg -plan plan.yml")
	}
	cfg, err := pipeline.LoadConfig(*flagConfig)
	if err != nil {
		tool.Fail(err)
	}
	plan, err := pipeline.LoadPlan(*flagPlan)
	if err != nil {
		tool.Fail(err)
	}
	p, err := pipeline.New(cfg)
	if err != nil {
		tool.Fail(err)
	}
	defer p.Close()
	summary, err := p.Run(context.Background(), plan)
	if err != nil {
		tool.Fail(err)
	}
	for _, res := range summary.Results {
		if res.Err != nil {
			fmt.Printf("FAIL %v %v: %v\n", res.Package, res.Spec, res.Err)
		}
	}
	fmt.Println(summary)
	if summary.Failed != 0 {
		tool.Failf("%v cells failed", summary.Failed)
	}
}
