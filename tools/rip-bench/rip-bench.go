// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rip-bench runs a function-boundary detection backend over repository
// entries, scores the predictions against the stored ground truth and
// records them in the repository. Without digest arguments it benchmarks
// the whole repository.
//
// Usage:
//
//	rip-bench -repo /data/repo -backend sweep
//	rip-bench -repo /data/repo -backend ghidra -ghidra ~/ghidra/support/analyzeHeadless \
//		-ghidra-scripts ./scripts -tol 4 digest...
package main

import (
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/VividCortex/gohistogram"

	"github.com/ripkit/ripkit/pkg/bench"
	"github.com/ripkit/ripkit/pkg/hash"
	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/ripbin"
	"github.com/ripkit/ripkit/pkg/tool"
)

func main() {
	var (
		flagRepo      = flag.String("repo", "", "binary repository (required)")
		flagBackend   = flag.String("backend", "sweep", "detection backend: sweep, ghidra or ida")
		flagTol       = flag.Uint64("tol", 0, "boundary match tolerance in bytes")
		flagTimeout   = flag.Duration("timeout", 10*time.Minute, "per-binary analysis timeout (0 disables)")
		flagDistances = flag.Bool("distances", false, "summarize signed distances of predictions to the nearest true start")

		flagGhidra        = flag.String("ghidra", "", "path to ghidra's analyzeHeadless")
		flagGhidraScripts = flag.String("ghidra-scripts", "", "directory with the ghidra export script")
		flagIDA           = flag.String("ida", "", "path to ida's idat64")
		flagIDAScript     = flag.String("ida-script", "", "ida batch export script")
	)
	defer tool.Init()()
	if *flagRepo == "" {
		tool.Failf("-repo is required")
	}
	backend := makeBackend(*flagBackend, *flagGhidra, *flagGhidraScripts, *flagIDA, *flagIDAScript)
	repo, err := ripbin.Open(*flagRepo)
	if err != nil {
		tool.Fail(err)
	}
	defer repo.Close()
	sigs, err := selectEntries(repo, flag.Args())
	if err != nil {
		tool.Fail(err)
	}
	if len(sigs) == 0 {
		tool.Failf("the repository has no entries")
	}
	log.Logf(0, "benchmarking %v entries with %v", len(sigs), backend.Name())
	var all []*ripbin.Metrics
	var exact, early, late int
	absDist := gohistogram.NewHistogram(255)
	failed := 0
	for _, sig := range sigs {
		entry, err := repo.Get(sig)
		if err != nil {
			tool.Fail(err)
		}
		pred, err := bench.Run(repo, backend, sig, *flagTol, *flagTimeout)
		if err != nil {
			tool.Fail(err)
		}
		if pred.Failure != "" {
			failed++
			fmt.Printf("%v %v: FAILED: %v\n", entry.Digest, entry.Name, pred.Failure)
			continue
		}
		m := pred.Metrics
		fmt.Printf("%v %v: precision %.3f recall %.3f f1 %.3f\n",
			entry.Digest, entry.Name, m.Precision, m.Recall, m.F1)
		all = append(all, m)
		if *flagDistances {
			for _, d := range bench.StartDistances(entry.GroundTruth, pred.Boundaries) {
				switch {
				case d == 0:
					exact++
				case d < 0:
					early++
				default:
					late++
				}
				absDist.Add(math.Abs(float64(d)))
			}
		}
	}
	total := bench.Aggregate(all)
	fmt.Printf("total: %v entries, precision %.3f recall %.3f f1 %.3f (%v tp, %v fp, %v fn)\n",
		len(all), total.Precision, total.Recall, total.F1,
		total.TruePos, total.FalsePos, total.FalseNeg)
	if n := exact + early + late; n != 0 {
		fmt.Printf("distances: %v exact, %v early, %v late; abs p50 %.0f p90 %.0f p99 %.0f\n",
			exact, early, late,
			absDist.Quantile(0.5), absDist.Quantile(0.9), absDist.Quantile(0.99))
	}
	if failed != 0 {
		tool.Failf("%v of %v entries failed", failed, len(sigs))
	}
}

func makeBackend(name, ghidra, ghidraScripts, ida, idaScript string) bench.Backend {
	switch name {
	case "sweep":
		return bench.Sweep{}
	case "ghidra":
		return &bench.Ghidra{Headless: ghidra, ScriptDir: ghidraScripts}
	case "ida":
		return &bench.IDA{Bin: ida, Script: idaScript}
	}
	tool.Failf("unknown backend %q (want sweep, ghidra or ida)", name)
	return nil
}

func selectEntries(repo *ripbin.Repo, args []string) ([]hash.Sig, error) {
	digests := args
	if len(digests) == 0 {
		err := repo.Scan(func(entry *ripbin.Entry) bool {
			digests = append(digests, entry.Digest)
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	sigs := make([]hash.Sig, 0, len(digests))
	for _, digest := range digests {
		sig, err := hash.FromString(digest)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}
