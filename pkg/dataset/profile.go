// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dataset

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/VividCortex/gohistogram"
	"github.com/ianlancetaylor/demangle"
	"github.com/ripkit/ripkit/pkg/build"
	"github.com/ripkit/ripkit/pkg/crates"
	"github.com/ripkit/ripkit/pkg/hash"
	"github.com/ripkit/ripkit/pkg/ripbin"
)

const histogramBuckets = 255

// Quantiles is a streaming summary of one distribution.
type Quantiles struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

type distribution struct {
	hist     *gohistogram.NumericHistogram
	min, max float64
	count    int
}

func newDistribution() *distribution {
	return &distribution{hist: gohistogram.NewHistogram(histogramBuckets)}
}

func (d *distribution) add(v float64) {
	if d.count == 0 || v < d.min {
		d.min = v
	}
	if d.count == 0 || v > d.max {
		d.max = v
	}
	d.count++
	d.hist.Add(v)
}

func (d *distribution) quantiles() Quantiles {
	if d.count == 0 {
		return Quantiles{}
	}
	return Quantiles{
		Count: d.count,
		Min:   d.min,
		Max:   d.max,
		Mean:  d.hist.Mean(),
		P50:   d.hist.Quantile(0.5),
		P90:   d.hist.Quantile(0.9),
		P99:   d.hist.Quantile(0.99),
	}
}

// PackageStats aggregates the selected entries of one package.
type PackageStats struct {
	Package   crates.Package `json:"package"`
	Binaries  int            `json:"binaries"`
	Functions int            `json:"functions"`
	TextBytes uint64         `json:"text_bytes"`
}

// SpecStats aggregates the selected entries of one build cell.
type SpecStats struct {
	Spec      build.Spec `json:"spec"`
	Binaries  int        `json:"binaries"`
	Functions int        `json:"functions"`
	TextBytes uint64     `json:"text_bytes"`
}

// CrateStats counts the functions a crate contributed, attributed by the
// root of the demangled symbol name. Monomorphized generics get attributed
// to the defining crate, so the counts are indicative rather than exact.
type CrateStats struct {
	Crate     string `json:"crate"`
	Functions int    `json:"functions"`
}

// Stats profiles a repository selection.
type Stats struct {
	Binaries  int    `json:"binaries"`
	Packages  int    `json:"packages"`
	Functions int    `json:"functions"`
	TextBytes uint64 `json:"text_bytes"`
	// Per-binary distributions.
	TextSizes  Quantiles `json:"text_sizes"`
	FuncCounts Quantiles `json:"func_counts"`
	// Per-function size and gap-to-next-start distributions.
	FuncSizes  Quantiles      `json:"func_sizes"`
	GapSizes   Quantiles      `json:"gap_sizes"`
	PerPackage []PackageStats `json:"per_package"`
	PerSpec    []SpecStats    `json:"per_spec"`
	// Crates ordered by contributed function count.
	Crates []CrateStats `json:"crates"`
}

// Profile computes dataset statistics over a selection without exporting
// it. Entries that cannot be read are reported as ExportErrors.
func Profile(repo *ripbin.Repo, filter Filter) (*Stats, []*ExportError, error) {
	items, bad, err := selectItems(repo, filter)
	if err != nil {
		return nil, nil, err
	}
	stats := &Stats{Binaries: len(items)}
	textSizes := newDistribution()
	funcCounts := newDistribution()
	funcSizes := newDistribution()
	gapSizes := newDistribution()
	perPackage := make(map[crates.Package]*PackageStats)
	perSpec := make(map[build.Spec]*SpecStats)
	crateFuncs := make(map[string]int)
	for _, it := range items {
		funcs := it.entry.GroundTruth.Funcs
		stats.Functions += len(funcs)
		stats.TextBytes += it.size
		textSizes.add(float64(it.size))
		funcCounts.add(float64(len(funcs)))
		for i, fn := range funcs {
			funcSizes.add(float64(fn.Len))
			if i > 0 {
				gapSizes.add(float64(fn.Start - funcs[i-1].End()))
			}
			crateFuncs[crateOf(fn.Name)]++
		}
		pkg := perPackage[it.entry.Package]
		if pkg == nil {
			pkg = &PackageStats{Package: it.entry.Package}
			perPackage[it.entry.Package] = pkg
		}
		pkg.Binaries++
		pkg.Functions += len(funcs)
		pkg.TextBytes += it.size
		spec := perSpec[it.entry.Spec]
		if spec == nil {
			spec = &SpecStats{Spec: it.entry.Spec}
			perSpec[it.entry.Spec] = spec
		}
		spec.Binaries++
		spec.Functions += len(funcs)
		spec.TextBytes += it.size
	}
	stats.Packages = len(perPackage)
	stats.TextSizes = textSizes.quantiles()
	stats.FuncCounts = funcCounts.quantiles()
	stats.FuncSizes = funcSizes.quantiles()
	stats.GapSizes = gapSizes.quantiles()
	for _, pkg := range perPackage {
		stats.PerPackage = append(stats.PerPackage, *pkg)
	}
	sort.Slice(stats.PerPackage, func(i, j int) bool {
		return stats.PerPackage[i].Package.String() < stats.PerPackage[j].Package.String()
	})
	for _, spec := range perSpec {
		stats.PerSpec = append(stats.PerSpec, *spec)
	}
	sort.Slice(stats.PerSpec, func(i, j int) bool {
		return stats.PerSpec[i].Spec.ID() < stats.PerSpec[j].Spec.ID()
	})
	for crate, funcs := range crateFuncs {
		stats.Crates = append(stats.Crates, CrateStats{Crate: crate, Functions: funcs})
	}
	sort.Slice(stats.Crates, func(i, j int) bool {
		if stats.Crates[i].Functions != stats.Crates[j].Functions {
			return stats.Crates[i].Functions > stats.Crates[j].Functions
		}
		return stats.Crates[i].Crate < stats.Crates[j].Crate
	})
	return stats, bad, nil
}

// crateOf attributes a symbol to a crate: the first path segment of the
// demangled name. Trait impls demangle as "<exa::fs::File as ...>::fmt",
// the attribution uses the type inside the brackets.
func crateOf(name string) string {
	if demangled, err := demangle.ToString(name); err == nil {
		name = demangled
	}
	name = strings.TrimPrefix(name, "<")
	if i := strings.IndexAny(name, ":<>, ("); i >= 0 {
		name = name[:i]
	}
	return name
}

// LeakageCheck reports the packages that contributed binaries to both
// manifests. Two binaries of one package share most of their code even
// across build cells, a train/test split that separates them only by digest
// inflates benchmark scores.
func LeakageCheck(repo *ripbin.Repo, a, b *Manifest) ([]string, error) {
	pkgsA, err := manifestPackages(repo, a)
	if err != nil {
		return nil, err
	}
	pkgsB, err := manifestPackages(repo, b)
	if err != nil {
		return nil, err
	}
	var leaked []string
	for name := range pkgsA {
		if pkgsB[name] {
			leaked = append(leaked, name)
		}
	}
	sort.Strings(leaked)
	return leaked, nil
}

func manifestPackages(repo *ripbin.Repo, manifest *Manifest) (map[string]bool, error) {
	pkgs := make(map[string]bool)
	for _, digest := range manifest.Digests {
		sig, err := hash.FromString(digest)
		if err != nil {
			return nil, fmt.Errorf("bad digest %q in manifest: %w", digest, err)
		}
		entry, err := repo.Get(sig)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %v: %w", digest, err)
		}
		pkgs[entry.Package.Name] = true
	}
	return pkgs, nil
}

// SearchBytes counts the occurrences of a byte sequence in the code
// sections of a selection, split into occurrences at function starts and
// everywhere else. A sequence frequent at starts and rare elsewhere is a
// usable prologue signature. Entries that cannot be read are skipped.
func SearchBytes(repo *ripbin.Repo, filter Filter, seq []byte) (atStarts, elsewhere int, err error) {
	if len(seq) == 0 {
		return 0, 0, fmt.Errorf("empty byte sequence")
	}
	items, _, err := selectItems(repo, filter)
	if err != nil {
		return 0, 0, err
	}
	for _, it := range items {
		data, err := os.ReadFile(it.bin)
		if err != nil {
			return 0, 0, err
		}
		if it.off+it.size > uint64(len(data)) {
			continue
		}
		code := data[it.off : it.off+it.size]
		starts := make(map[uint64]bool)
		for _, fn := range it.entry.GroundTruth.Funcs {
			starts[fn.Start] = true
		}
		for i := 0; ; {
			j := bytes.Index(code[i:], seq)
			if j < 0 {
				break
			}
			pos := i + j
			if starts[it.addr+uint64(pos)] {
				atStarts++
			} else {
				elsewhere++
			}
			i = pos + 1
		}
	}
	return atStarts, elsewhere, nil
}
