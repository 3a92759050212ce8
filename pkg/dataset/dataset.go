// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dataset turns the binary repository into learning material: it
// selects entries, exports feature/label pairs for boundary detection models
// and profiles what a selection actually contains.
package dataset

import (
	"debug/elf"
	"fmt"
	"path"
	"slices"
	"sort"

	"github.com/ripkit/ripkit/pkg/groundtruth"
	"github.com/ripkit/ripkit/pkg/hash"
	"github.com/ripkit/ripkit/pkg/ripbin"
	"github.com/ripkit/ripkit/pkg/rustc"
)

// Filter selects repository entries. Zero values mean no constraint, an
// empty filter selects the whole repository.
type Filter struct {
	Targets  []string `json:"targets,omitempty"`
	Opts     []string `json:"opts,omitempty"`
	Linkages []string `json:"linkages,omitempty"`
	// PackagePattern is a path.Match pattern over package names.
	PackagePattern string `json:"package_pattern,omitempty"`
	// Code section size bounds in bytes, 0 means unbounded.
	MinTextBytes int `json:"min_text_bytes,omitempty"`
	MaxTextBytes int `json:"max_text_bytes,omitempty"`
	// UniqueNames drops executables whose name appears more than once
	// within one target and optimization level. Duplicate names are almost
	// always the same program built from several crate versions, which
	// would put near-identical code into the dataset.
	UniqueNames bool `json:"unique_names,omitempty"`
	// RequireAllOpts keeps only executables present at every requested
	// optimization level, so per-level slices of the dataset stay
	// comparable.
	RequireAllOpts bool `json:"require_all_opts,omitempty"`
}

func (filter *Filter) Validate() error {
	if filter.PackagePattern != "" {
		if _, err := path.Match(filter.PackagePattern, "probe"); err != nil {
			return fmt.Errorf("bad package pattern %q: %w", filter.PackagePattern, err)
		}
	}
	for _, opt := range filter.Opts {
		if _, err := rustc.ParseOptLevel(opt); err != nil {
			return err
		}
	}
	for _, linkage := range filter.Linkages {
		if _, err := rustc.ParseLinkage(linkage); err != nil {
			return err
		}
	}
	if filter.MinTextBytes < 0 || filter.MaxTextBytes < 0 {
		return fmt.Errorf("negative code section size bound")
	}
	if filter.MaxTextBytes != 0 && filter.MinTextBytes > filter.MaxTextBytes {
		return fmt.Errorf("min code section size %v exceeds max %v",
			filter.MinTextBytes, filter.MaxTextBytes)
	}
	return nil
}

// Match reports whether the entry passes the per-entry predicates. Size
// bounds and the cross-entry UniqueNames/RequireAllOpts rules are applied
// later, during selection.
func (filter *Filter) Match(entry *ripbin.Entry) bool {
	if len(filter.Targets) != 0 && !slices.Contains(filter.Targets, entry.Spec.Target) {
		return false
	}
	if len(filter.Opts) != 0 && !matchesOpt(filter.Opts, entry.Spec.Opt) {
		return false
	}
	if len(filter.Linkages) != 0 && !matchesLinkage(filter.Linkages, entry.Spec.Linkage) {
		return false
	}
	if filter.PackagePattern != "" {
		ok, err := path.Match(filter.PackagePattern, entry.Package.Name)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Levels and linkages are matched through the parsers so that both
// spellings of a level ("0" and "O0") select the same entries.
func matchesOpt(opts []string, level rustc.OptLevel) bool {
	for _, opt := range opts {
		if parsed, err := rustc.ParseOptLevel(opt); err == nil && parsed == level {
			return true
		}
	}
	return false
}

func matchesLinkage(linkages []string, linkage rustc.Linkage) bool {
	for _, str := range linkages {
		if parsed, err := rustc.ParseLinkage(str); err == nil && parsed == linkage {
			return true
		}
	}
	return false
}

func (filter *Filter) sizeOK(size uint64) bool {
	if filter.MinTextBytes > 0 && size < uint64(filter.MinTextBytes) {
		return false
	}
	if filter.MaxTextBytes > 0 && size > uint64(filter.MaxTextBytes) {
		return false
	}
	return true
}

// ExportError marks one repository entry that could not be exported or
// profiled. Affected entries are skipped and reported so that a batch never
// silently emits a malformed feature/label pair.
type ExportError struct {
	Digest string
	Err    error
}

func (err *ExportError) Error() string {
	return fmt.Sprintf("exporting %v: %v", err.Digest, err.Err)
}

func (err *ExportError) Unwrap() error {
	return err.Err
}

// item is one selected entry with its resolved code section.
type item struct {
	entry *ripbin.Entry
	bin   string // stripped executable path
	addr  uint64 // code section virtual address
	off   uint64 // code section file offset
	size  uint64 // code section size in bytes
}

// selectItems applies the filter over the whole repository and returns the
// selection ordered by digest. Entries that match but cannot be used are
// returned as ExportErrors, they never fail the batch.
func selectItems(repo *ripbin.Repo, filter Filter) ([]*item, []*ExportError, error) {
	if err := filter.Validate(); err != nil {
		return nil, nil, err
	}
	var items []*item
	var bad []*ExportError
	err := repo.Scan(func(entry *ripbin.Entry) bool {
		if !filter.Match(entry) {
			return true
		}
		it, err := resolveItem(repo, entry)
		if err != nil {
			bad = append(bad, &ExportError{Digest: entry.Digest, Err: err})
			return true
		}
		if !filter.sizeOK(it.size) {
			return true
		}
		items = append(items, it)
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	if filter.UniqueNames {
		items = dropDuplicateNames(items)
	}
	if filter.RequireAllOpts {
		items = requireAllOpts(items, filter.Opts)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].entry.Digest < items[j].entry.Digest
	})
	return items, bad, nil
}

func resolveItem(repo *ripbin.Repo, entry *ripbin.Entry) (*item, error) {
	if entry.GroundTruth == nil {
		return nil, fmt.Errorf("entry has no ground truth")
	}
	sig, err := hash.FromString(entry.Digest)
	if err != nil {
		return nil, err
	}
	bin, err := repo.Stripped(sig)
	if err != nil {
		return nil, err
	}
	f, err := elf.Open(bin)
	if err != nil {
		return nil, fmt.Errorf("unreadable stripped executable: %w", err)
	}
	defer f.Close()
	addr, off, size, err := groundtruth.CodeSection(f)
	if err != nil {
		return nil, err
	}
	return &item{entry: entry, bin: bin, addr: addr, off: off, size: size}, nil
}

type nameKey struct {
	target string
	opt    rustc.OptLevel
	name   string
}

func dropDuplicateNames(items []*item) []*item {
	counts := make(map[nameKey]int)
	for _, it := range items {
		counts[itemNameKey(it)]++
	}
	var kept []*item
	for _, it := range items {
		if counts[itemNameKey(it)] == 1 {
			kept = append(kept, it)
		}
	}
	return kept
}

func itemNameKey(it *item) nameKey {
	return nameKey{it.entry.Spec.Target, it.entry.Spec.Opt, it.entry.Name}
}

// requireAllOpts keeps executables built at every requested optimization
// level. With no explicit level list the levels present in the selection
// are required.
func requireAllOpts(items []*item, opts []string) []*item {
	want := make(map[rustc.OptLevel]bool)
	for _, opt := range opts {
		if parsed, err := rustc.ParseOptLevel(opt); err == nil {
			want[parsed] = true
		}
	}
	if len(want) == 0 {
		for _, it := range items {
			want[it.entry.Spec.Opt] = true
		}
	}
	type binKey struct {
		target string
		name   string
	}
	seen := make(map[binKey]map[rustc.OptLevel]bool)
	for _, it := range items {
		key := binKey{it.entry.Spec.Target, it.entry.Name}
		if seen[key] == nil {
			seen[key] = make(map[rustc.OptLevel]bool)
		}
		seen[key][it.entry.Spec.Opt] = true
	}
	var kept []*item
	for _, it := range items {
		if len(seen[binKey{it.entry.Spec.Target, it.entry.Name}]) == len(want) {
			kept = append(kept, it)
		}
	}
	return kept
}
