// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rip-db inspects and maintains the binary repository.
//
// Usage:
//
//	rip-db list repo
//	rip-db [-funcs] [-demangle] show repo digest
//	rip-db verify repo
//	rip-db stats repo
//	rip-db [-corrupt] gc repo
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ianlancetaylor/demangle"

	"github.com/ripkit/ripkit/pkg/dataset"
	"github.com/ripkit/ripkit/pkg/hash"
	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/ripbin"
	"github.com/ripkit/ripkit/pkg/tool"
)

func main() {
	var (
		flagFuncs    = flag.Bool("funcs", false, "show: dump the ground-truth function table")
		flagDemangle = flag.Bool("demangle", false, "show: demangle Rust symbol names")
		flagCorrupt  = flag.Bool("corrupt", false, "gc: also delete entries that fail verification")
	)
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
	switch args[0] {
	case "list":
		list(repo)
	case "show":
		if len(args) != 3 {
			usage()
		}
		show(repo, args[2], *flagFuncs, *flagDemangle)
	case "verify":
		verify(repo)
	case "stats":
		stats(repo)
	case "gc":
		gc(repo, *flagCorrupt)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  rip-db list repo\n")
	fmt.Fprintf(os.Stderr, "  rip-db [-funcs] [-demangle] show repo digest\n")
	fmt.Fprintf(os.Stderr, "  rip-db verify repo\n")
	fmt.Fprintf(os.Stderr, "  rip-db stats repo\n")
	fmt.Fprintf(os.Stderr, "  rip-db [-corrupt] gc repo\n")
	os.Exit(1)
}

func list(repo *ripbin.Repo) {
	err := repo.Scan(func(entry *ripbin.Entry) bool {
		funcs := 0
		if entry.GroundTruth != nil {
			funcs = len(entry.GroundTruth.Funcs)
		}
		fmt.Printf("%v %v %v %v %v funcs\n",
			entry.Digest, entry.Package, entry.Spec, entry.Name, funcs)
		return true
	})
	if err != nil {
		tool.Fail(err)
	}
}

func show(repo *ripbin.Repo, digest string, funcs, dem bool) {
	sig, err := hash.FromString(digest)
	if err != nil {
		tool.Fail(err)
	}
	entry, err := repo.Get(sig)
	if err != nil {
		tool.Fail(err)
	}
	fmt.Printf("digest:    %v\n", entry.Digest)
	fmt.Printf("package:   %v\n", entry.Package)
	fmt.Printf("spec:      %v\n", entry.Spec)
	fmt.Printf("name:      %v\n", entry.Name)
	fmt.Printf("source:    %v\n", entry.SourceDigest)
	fmt.Printf("command:   %v\n", entry.CommandLine)
	fmt.Printf("created:   %v\n", entry.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if entry.GroundTruth != nil && len(entry.GroundTruth.Funcs) > 0 {
		table := entry.GroundTruth.Funcs
		fmt.Printf("functions: %v (0x%x-0x%x)\n",
			len(table), table[0].Start, table[len(table)-1].End())
	} else {
		fmt.Printf("functions: 0\n")
	}
	preds, err := repo.Predictions(sig)
	if err != nil {
		tool.Fail(err)
	}
	for _, pred := range preds {
		if pred.Failure != "" {
			fmt.Printf("%v: FAILED: %v\n", pred.Backend, pred.Failure)
			continue
		}
		m := pred.Metrics
		fmt.Printf("%v: precision %.3f recall %.3f f1 %.3f (%v tp, %v fp, %v fn)\n",
			pred.Backend, m.Precision, m.Recall, m.F1, m.TruePos, m.FalsePos, m.FalseNeg)
	}
	if !funcs || entry.GroundTruth == nil {
		return
	}
	for _, fn := range entry.GroundTruth.Funcs {
		name := fn.Name
		if dem {
			if demangled, err := demangle.ToString(name); err == nil {
				name = demangled
			}
		}
		fmt.Printf("0x%x %v %v\n", fn.Start, fn.Len, name)
	}
}

func verify(repo *ripbin.Repo) {
	bad, err := repo.Verify()
	if err != nil {
		tool.Fail(err)
	}
	for _, c := range bad {
		fmt.Printf("%v: %v\n", c.Digest, c.Reason)
	}
	if len(bad) != 0 {
		tool.Failf("%v corrupt entries", len(bad))
	}
	fmt.Println("no corruption found")
}

func stats(repo *ripbin.Repo) {
	stats, bad, err := dataset.Profile(repo, dataset.Filter{})
	if err != nil {
		tool.Fail(err)
	}
	for _, e := range bad {
		log.Logf(0, "%v", e)
	}
	fmt.Printf("binaries:  %v\n", stats.Binaries)
	fmt.Printf("packages:  %v\n", stats.Packages)
	fmt.Printf("functions: %v\n", stats.Functions)
	fmt.Printf("code:      %v bytes\n", stats.TextBytes)
	type cell struct {
		binaries  int
		functions int
		text      uint64
	}
	// The per-spec rows are already sorted by spec ID, merging the linkage
	// dimension away keeps that order.
	var keys []string
	perCell := make(map[string]*cell)
	for _, spec := range stats.PerSpec {
		key := fmt.Sprintf("%v %v", spec.Spec.Target, spec.Spec.Opt)
		c := perCell[key]
		if c == nil {
			c = new(cell)
			perCell[key] = c
			keys = append(keys, key)
		}
		c.binaries += spec.Binaries
		c.functions += spec.Functions
		c.text += spec.TextBytes
	}
	for _, key := range keys {
		c := perCell[key]
		fmt.Printf("%v: %v binaries, %v functions, %v bytes\n",
			key, c.binaries, c.functions, c.text)
	}
}

func gc(repo *ripbin.Repo, corrupt bool) {
	if corrupt {
		bad, err := repo.Verify()
		if err != nil {
			tool.Fail(err)
		}
		for _, c := range bad {
			sig, err := hash.FromString(c.Digest)
			if err != nil {
				log.Logf(0, "not deleting foreign directory %v: %v", c.Digest, err)
				continue
			}
			if err := repo.Delete(sig); err != nil {
				tool.Fail(err)
			}
			fmt.Printf("deleted %v: %v\n", c.Digest, c.Reason)
		}
	}
	stats, err := repo.GC()
	if err != nil {
		tool.Fail(err)
	}
	fmt.Printf("removed %v abandoned scratch dirs, dropped %v index records and %v digest references\n",
		stats.TempDirs, stats.Records, stats.Digests)
}
