// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rip-stats profiles repository selections: size and function distributions,
// per-crate contribution, byte-sequence prologue searches and train/test
// leakage checks between exported datasets.
//
// Usage:
//
//	rip-stats [filter flags] profile repo
//	rip-stats [filter flags] -bytes 55,48,89 search repo
//	rip-stats leakage repo exportDirA exportDirB
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ripkit/ripkit/pkg/dataset"
	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/ripbin"
	"github.com/ripkit/ripkit/pkg/tool"
)

func main() {
	var (
		flagBytes   = flag.String("bytes", "", "search: comma-separated hex byte sequence, e.g. 55,48,89")
		flagJSON    = flag.Bool("json", false, "profile: dump the raw statistics as JSON")
		flagCrates  = flag.Int("crates", 15, "profile: number of top crates to print")
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
	args := flag.Args()
	if len(args) < 2 {
		usage()
	}
	repo, err := ripbin.Open(args[1])
	if err != nil {
		tool.Fail(err)
	}
	defer repo.Close()
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
	switch args[0] {
	case "profile":
		profile(repo, filter, *flagJSON, *flagCrates)
	case "search":
		search(repo, filter, *flagBytes)
	case "leakage":
		if len(args) != 4 {
			usage()
		}
		leakage(repo, args[2], args[3])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  rip-stats [filter flags] profile repo\n")
	fmt.Fprintf(os.Stderr, "  rip-stats [filter flags] -bytes 55,48,89 search repo\n")
	fmt.Fprintf(os.Stderr, "  rip-stats leakage repo exportDirA exportDirB\n")
	os.Exit(1)
}

func profile(repo *ripbin.Repo, filter dataset.Filter, asJSON bool, topCrates int) {
	stats, bad, err := dataset.Profile(repo, filter)
	if err != nil {
		tool.Fail(err)
	}
	for _, e := range bad {
		log.Logf(0, "%v", e)
	}
	if asJSON {
		data, err := json.MarshalIndent(stats, "", "\t")
		if err != nil {
			tool.Fail(err)
		}
		os.Stdout.Write(append(data, '\n'))
		return
	}
	fmt.Printf("binaries:  %v\n", stats.Binaries)
	fmt.Printf("packages:  %v\n", stats.Packages)
	fmt.Printf("functions: %v\n", stats.Functions)
	fmt.Printf("code:      %v bytes\n", stats.TextBytes)
	printQuantiles("text bytes/binary", stats.TextSizes)
	printQuantiles("functions/binary ", stats.FuncCounts)
	printQuantiles("function size    ", stats.FuncSizes)
	printQuantiles("inter-func gap   ", stats.GapSizes)
	for _, spec := range stats.PerSpec {
		fmt.Printf("%v: %v binaries, %v functions, %v bytes\n",
			spec.Spec, spec.Binaries, spec.Functions, spec.TextBytes)
	}
	for i, crate := range stats.Crates {
		if i >= topCrates {
			break
		}
		fmt.Printf("crate %v: %v functions\n", crate.Crate, crate.Functions)
	}
}

func printQuantiles(name string, q dataset.Quantiles) {
	if q.Count == 0 {
		return
	}
	fmt.Printf("%v: min %.0f max %.0f mean %.1f p50 %.0f p90 %.0f p99 %.0f\n",
		name, q.Min, q.Max, q.Mean, q.P50, q.P90, q.P99)
}

func search(repo *ripbin.Repo, filter dataset.Filter, bytesFlag string) {
	seq, err := parseBytes(bytesFlag)
	if err != nil {
		tool.Fail(err)
	}
	atStarts, elsewhere, err := dataset.SearchBytes(repo, filter, seq)
	if err != nil {
		tool.Fail(err)
	}
	fmt.Printf("% x: %v at function starts, %v elsewhere\n", seq, atStarts, elsewhere)
	if total := atStarts + elsewhere; total != 0 {
		fmt.Printf("start hit rate: %.1f%%\n", 100*float64(atStarts)/float64(total))
	}
}

func parseBytes(str string) ([]byte, error) {
	if str == "" {
		return nil, fmt.Errorf("search needs -bytes")
	}
	var seq []byte
	for _, field := range strings.Split(str, ",") {
		b, err := strconv.ParseUint(strings.TrimSpace(field), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad byte %q in -bytes: %w", field, err)
		}
		seq = append(seq, byte(b))
	}
	return seq, nil
}

func leakage(repo *ripbin.Repo, dirA, dirB string) {
	a, err := dataset.LoadManifest(dirA)
	if err != nil {
		tool.Fail(err)
	}
	b, err := dataset.LoadManifest(dirB)
	if err != nil {
		tool.Fail(err)
	}
	leaked, err := dataset.LeakageCheck(repo, a, b)
	if err != nil {
		tool.Fail(err)
	}
	for _, name := range leaked {
		fmt.Println(name)
	}
	if len(leaked) != 0 {
		tool.Failf("%v packages contribute binaries to both datasets", len(leaked))
	}
	fmt.Println("no shared packages")
}
