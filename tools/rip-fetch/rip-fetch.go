// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rip-fetch downloads Rust package sources into the local source cache.
// Packages are given as name@version arguments; bare names resolve to the
// latest known version through the registry database, which is populated
// from a crates.io database dump.
//
// Usage:
//
//	rip-fetch -registry crates.db -import crates.csv,versions.csv
//	rip-fetch -cache /data/crates -registry crates.db -top 100
//	rip-fetch -cache /data/crates exa@0.10.1 ripgrep
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ripkit/ripkit/pkg/crates"
	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/tool"
)

func main() {
	var (
		flagCache    = flag.String("cache", "", "source cache directory")
		flagRegistry = flag.String("registry", "", "registry database (needed for bare names, -top and -import)")
		flagImport   = flag.String("import", "", "import a crates.io dump given as crates.csv,versions.csv")
		flagTop      = flag.Int("top", 0, "also fetch the N most downloaded crates")
		flagForce    = flag.Bool("force", false, "redownload packages that are already cached")
	)
	defer tool.Init()()

	var registry *crates.Registry
	if *flagRegistry != "" {
		var err error
		registry, err = crates.OpenRegistry(*flagRegistry)
		if err != nil {
			tool.Fail(err)
		}
		defer registry.Close()
	}
	if *flagImport != "" {
		if registry == nil {
			tool.Failf("-import needs -registry")
		}
		importDump(registry, *flagImport)
	}
	pkgs, err := resolve(registry, flag.Args(), *flagTop)
	if err != nil {
		tool.Fail(err)
	}
	if len(pkgs) == 0 {
		if *flagImport != "" {
			// Pure import invocations fetch nothing.
			return
		}
		usage()
	}
	if *flagCache == "" {
		tool.Failf("-cache is required")
	}
	cache := crates.NewCache(*flagCache, registry)
	failed := 0
	for _, pkg := range pkgs {
		dir, err := cache.Fetch(context.Background(), pkg, *flagForce)
		if err != nil {
			log.Logf(0, "%v", err)
			failed++
			continue
		}
		fmt.Printf("%v: %v\n", pkg, dir)
	}
	if failed != 0 {
		tool.Failf("failed to fetch %v of %v packages", failed, len(pkgs))
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  rip-fetch -registry crates.db -import crates.csv,versions.csv\n")
	fmt.Fprintf(os.Stderr, "  rip-fetch -cache dir [-registry crates.db] [-top N] [package[@version]]...\n")
	os.Exit(1)
}

func importDump(registry *crates.Registry, dump string) {
	files := strings.Split(dump, ",")
	if len(files) != 2 {
		tool.Failf("-import wants two files: crates.csv,versions.csv")
	}
	cratesCSV, err := os.Open(files[0])
	if err != nil {
		tool.Fail(err)
	}
	defer cratesCSV.Close()
	versionsCSV, err := os.Open(files[1])
	if err != nil {
		tool.Fail(err)
	}
	defer versionsCSV.Close()
	n, err := registry.ImportDump(cratesCSV, versionsCSV)
	if err != nil {
		tool.Fail(err)
	}
	fmt.Printf("imported %v crate versions\n", n)
}

func resolve(registry *crates.Registry, args []string, top int) ([]crates.Package, error) {
	var pkgs []crates.Package
	for _, arg := range args {
		name, version, found := strings.Cut(arg, "@")
		if !found {
			if registry == nil {
				return nil, fmt.Errorf("%v names no version and there is no -registry to resolve it", arg)
			}
			info, err := registry.Lookup(name)
			if err != nil {
				return nil, err
			}
			version = info.Version
		}
		pkgs = append(pkgs, crates.Package{Name: name, Version: version})
	}
	if top > 0 {
		if registry == nil {
			return nil, fmt.Errorf("-top needs -registry")
		}
		infos, err := registry.MostDownloaded(top)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			pkgs = append(pkgs, crates.Package{Name: info.Name, Version: info.Version})
		}
	}
	return pkgs, nil
}
