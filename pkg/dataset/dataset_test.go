// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dataset

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/ripkit/ripkit/pkg/build"
	"github.com/ripkit/ripkit/pkg/crates"
	"github.com/ripkit/ripkit/pkg/groundtruth"
	"github.com/ripkit/ripkit/pkg/hash"
	"github.com/ripkit/ripkit/pkg/ripbin"
	"github.com/ripkit/ripkit/pkg/rustc"
	"github.com/ripkit/ripkit/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTarget = "x86_64-unknown-linux-gnu"

func testSpec(opt rustc.OptLevel) build.Spec {
	return build.Spec{Target: testTarget, Opt: opt, Linkage: rustc.LinkDynamic}
}

type testBin struct {
	pkg  crates.Package
	spec build.Spec
	name string
	addr uint64
	text []byte
	syms []testutil.ELFSym
}

// fill produces a per-binary byte pattern so that no two test binaries
// dedup onto the same digest.
func fill(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%7)
	}
	return buf
}

func openRepo(t *testing.T) *ripbin.Repo {
	repo, err := ripbin.Open(filepath.Join(t.TempDir(), "repo"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func putBin(t *testing.T, repo *ripbin.Repo, bin testBin) string {
	t.Helper()
	dir := t.TempDir()
	unstripped := filepath.Join(dir, bin.name+".unstripped")
	stripped := filepath.Join(dir, bin.name)
	full := testutil.BuildELF(t, testutil.ELFSpec{Addr: bin.addr, Text: bin.text, Syms: bin.syms})
	bare := testutil.BuildELF(t, testutil.ELFSpec{Addr: bin.addr, Text: bin.text, Stripped: true})
	require.NoError(t, os.WriteFile(unstripped, full, 0755))
	require.NoError(t, os.WriteFile(stripped, bare, 0755))
	record, err := groundtruth.ExtractFile(unstripped)
	require.NoError(t, err)
	artifact := &build.Artifact{
		Package:     bin.pkg,
		Spec:        bin.spec,
		Name:        bin.name,
		Unstripped:  unstripped,
		Stripped:    stripped,
		CommandLine: "cargo build --release",
		Log:         []byte("ok\n"),
	}
	sig, err := repo.Put(artifact, record, "src-"+bin.pkg.Name)
	require.NoError(t, err)
	return sig.String()
}

func mainSym(addr uint64) []testutil.ELFSym {
	return []testutil.ELFSym{
		{Name: "main", Value: addr, Size: 16, Type: elf.STT_FUNC, Defined: true},
	}
}

func selectionRepo(t *testing.T) *ripbin.Repo {
	repo := openRepo(t)
	bins := []testBin{
		{crates.Package{Name: "exa", Version: "0.10.1"}, testSpec(rustc.O0), "exa", 0x1000, fill(64, 1), mainSym(0x1000)},
		{crates.Package{Name: "exa", Version: "0.10.1"}, testSpec(rustc.O3), "exa", 0x1000, fill(64, 2), mainSym(0x1000)},
		{crates.Package{Name: "ripgrep", Version: "13.0.0"}, testSpec(rustc.O0), "rg", 0x1000, fill(64, 3), mainSym(0x1000)},
		{crates.Package{Name: "tools", Version: "1.0.0"}, testSpec(rustc.O0), "tool", 0x1000, fill(64, 4), mainSym(0x1000)},
		{crates.Package{Name: "toolz", Version: "1.0.0"}, testSpec(rustc.O0), "tool", 0x1000, fill(64, 5), mainSym(0x1000)},
		{
			crates.Package{Name: "big", Version: "1.0.0"},
			build.Spec{Target: "aarch64-unknown-linux-gnu", Opt: rustc.O0, Linkage: rustc.LinkDynamic},
			"big", 0x1000, fill(256, 6), mainSym(0x1000),
		},
	}
	for _, bin := range bins {
		putBin(t, repo, bin)
	}
	return repo
}

func TestSelect(t *testing.T) {
	repo := selectionRepo(t)
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{
			name:   "everything",
			filter: Filter{},
			want:   []string{"exa/O0", "exa/O3", "rg/O0", "tool/O0", "tool/O0", "big/O0"},
		},
		{
			name:   "one level",
			filter: Filter{Opts: []string{"0"}},
			want:   []string{"exa/O0", "rg/O0", "tool/O0", "tool/O0", "big/O0"},
		},
		{
			name:   "prefixed level spelling",
			filter: Filter{Opts: []string{"O0"}},
			want:   []string{"exa/O0", "rg/O0", "tool/O0", "tool/O0", "big/O0"},
		},
		{
			name:   "unique names",
			filter: Filter{Opts: []string{"0"}, UniqueNames: true},
			want:   []string{"exa/O0", "rg/O0", "big/O0"},
		},
		{
			name:   "require all levels",
			filter: Filter{Opts: []string{"0", "3"}, RequireAllOpts: true},
			want:   []string{"exa/O0", "exa/O3"},
		},
		{
			name:   "target",
			filter: Filter{Targets: []string{"aarch64-unknown-linux-gnu"}},
			want:   []string{"big/O0"},
		},
		{
			name:   "package pattern",
			filter: Filter{PackagePattern: "rip*"},
			want:   []string{"rg/O0"},
		},
		{
			name:   "min size",
			filter: Filter{MinTextBytes: 100},
			want:   []string{"big/O0"},
		},
		{
			name:   "max size",
			filter: Filter{MaxTextBytes: 100},
			want:   []string{"exa/O0", "exa/O3", "rg/O0", "tool/O0", "tool/O0"},
		},
		{
			name:   "linkage",
			filter: Filter{Linkages: []string{"static"}},
			want:   nil,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			items, bad, err := selectItems(repo, test.filter)
			require.NoError(t, err)
			assert.Empty(t, bad)
			var got []string
			for _, it := range items {
				got = append(got, fmt.Sprintf("%v/%v", it.entry.Name, it.entry.Spec.Opt))
			}
			assert.ElementsMatch(t, test.want, got)
			digests := make([]string, len(items))
			for i, it := range items {
				digests[i] = it.entry.Digest
			}
			assert.True(t, sort.StringsAreSorted(digests))
		})
	}
}

func TestFilterValidate(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		ok     bool
	}{
		{"empty", Filter{}, true},
		{"full", Filter{Targets: []string{testTarget}, Opts: []string{"O2"}, Linkages: []string{"static"},
			PackagePattern: "exa*", MinTextBytes: 1, MaxTextBytes: 2}, true},
		{"bad level", Filter{Opts: []string{"9"}}, false},
		{"bad linkage", Filter{Linkages: []string{"shared"}}, false},
		{"bad pattern", Filter{PackagePattern: "[exa"}, false},
		{"negative bound", Filter{MinTextBytes: -1}, false},
		{"inverted bounds", Filter{MinTextBytes: 10, MaxTextBytes: 5}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.filter.Validate()
			if test.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestExportBytes(t *testing.T) {
	repo := openRepo(t)
	text := fill(64, 10)
	digest := putBin(t, repo, testBin{
		pkg:  crates.Package{Name: "exa", Version: "0.10.1"},
		spec: testSpec(rustc.O0),
		name: "exa",
		addr: 0x1000,
		text: text,
		syms: []testutil.ELFSym{
			{Name: "alpha", Value: 0x1000, Size: 16, Type: elf.STT_FUNC, Defined: true},
			{Name: "beta", Value: 0x1020, Size: 16, Type: elf.STT_FUNC, Defined: true},
		},
	})
	outDir := filepath.Join(t.TempDir(), "out")
	manifest, bad, err := Export(repo, Filter{}, FormatBytes, outDir)
	require.NoError(t, err)
	assert.Empty(t, bad)
	assert.Equal(t, []string{digest}, manifest.Digests)
	assert.Equal(t, int(FormatBytes), manifest.FormatVersion)

	feat, err := os.ReadFile(filepath.Join(outDir, digest+".feat"))
	require.NoError(t, err)
	assert.Equal(t, text, feat)

	lbl, err := os.ReadFile(filepath.Join(outDir, digest+".lbl"))
	require.NoError(t, err)
	want := make([]byte, 64)
	want[0] = LabelStart
	for i := 1; i < 16; i++ {
		want[i] = LabelInterior
	}
	want[32] = LabelStart
	for i := 33; i < 48; i++ {
		want[i] = LabelInterior
	}
	assert.Equal(t, want, lbl)

	loaded, err := LoadManifest(outDir)
	require.NoError(t, err)
	assert.Equal(t, manifest, loaded)
}

func TestExportChunked(t *testing.T) {
	repo := openRepo(t)
	digest := putBin(t, repo, testBin{
		pkg:  crates.Package{Name: "exa", Version: "0.10.1"},
		spec: testSpec(rustc.O0),
		name: "exa",
		addr: 0x1000,
		text: fill(72, 20),
		syms: []testutil.ELFSym{
			{Name: "alpha", Value: 0x1004, Size: 8, Type: elf.STT_FUNC, Defined: true},
			{Name: "beta", Value: 0x1010, Size: 4, Type: elf.STT_FUNC, Defined: true},
			{Name: "gamma", Value: 0x1024, Size: 20, Type: elf.STT_FUNC, Defined: true},
		},
	})
	outDir := filepath.Join(t.TempDir(), "out")
	manifest, bad, err := Export(repo, Filter{}, FormatChunked, outDir)
	require.NoError(t, err)
	assert.Empty(t, bad)
	assert.Equal(t, []string{digest}, manifest.Digests)

	// 72 code bytes make five 16-byte chunks, the last feature chunk is
	// zero-padded.
	feat, err := os.ReadFile(filepath.Join(outDir, digest+".feat"))
	require.NoError(t, err)
	require.Len(t, feat, 80)
	assert.Equal(t, fill(72, 20), feat[:72])
	assert.Equal(t, make([]byte, 8), feat[72:])

	// Chunk 0 and 1 and 2 contain starts, chunk 3 only gamma's interior,
	// chunk 4 nothing.
	lbl, err := os.ReadFile(filepath.Join(outDir, digest+".lbl"))
	require.NoError(t, err)
	assert.Equal(t, []byte{LabelStart, LabelStart, LabelStart, LabelInterior, LabelNonCode}, lbl)
}

func TestExportDeterministic(t *testing.T) {
	repo := selectionRepo(t)
	base := t.TempDir()
	first, _, err := Export(repo, Filter{}, FormatBytes, filepath.Join(base, "a"))
	require.NoError(t, err)
	second, _, err := Export(repo, Filter{}, FormatBytes, filepath.Join(base, "b"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(filepath.Join(base, "a"))
	require.NoError(t, err)
	require.Len(t, entries, 2*len(first.Digests)+1)
	for _, ent := range entries {
		want, err := os.ReadFile(filepath.Join(base, "a", ent.Name()))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(base, "b", ent.Name()))
		require.NoError(t, err)
		assert.Equal(t, want, got, ent.Name())
	}
}

func TestExportExistingDir(t *testing.T) {
	repo := openRepo(t)
	_, _, err := Export(repo, Filter{}, FormatBytes, t.TempDir())
	assert.ErrorContains(t, err, "already exists")
}

func TestExportSkipsBad(t *testing.T) {
	repo := openRepo(t)
	good := putBin(t, repo, testBin{
		pkg:  crates.Package{Name: "exa", Version: "0.10.1"},
		spec: testSpec(rustc.O0),
		name: "exa", addr: 0x1000, text: fill(64, 1), syms: mainSym(0x1000),
	})
	broken := putBin(t, repo, testBin{
		pkg:  crates.Package{Name: "ripgrep", Version: "13.0.0"},
		spec: testSpec(rustc.O0),
		name: "rg", addr: 0x1000, text: fill(64, 2), syms: mainSym(0x1000),
	})
	sig, err := hash.FromString(broken)
	require.NoError(t, err)
	path, err := repo.Stripped(sig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("not an executable"), 0755))

	outDir := filepath.Join(t.TempDir(), "out")
	manifest, bad, err := Export(repo, Filter{}, FormatBytes, outDir)
	require.NoError(t, err)
	assert.Equal(t, []string{good}, manifest.Digests)
	require.Len(t, bad, 1)
	assert.Equal(t, broken, bad[0].Digest)
}

func TestProfile(t *testing.T) {
	repo := openRepo(t)
	putBin(t, repo, testBin{
		pkg:  crates.Package{Name: "exa", Version: "0.10.1"},
		spec: testSpec(rustc.O0),
		name: "exa",
		addr: 0x1000,
		text: fill(64, 1),
		syms: []testutil.ELFSym{
			{Name: "exa::main", Value: 0x1000, Size: 16, Type: elf.STT_FUNC, Defined: true},
			{Name: "exa::run", Value: 0x1020, Size: 16, Type: elf.STT_FUNC, Defined: true},
		},
	})
	putBin(t, repo, testBin{
		pkg:  crates.Package{Name: "ripgrep", Version: "13.0.0"},
		spec: testSpec(rustc.O0),
		name: "rg",
		addr: 0x2000,
		text: fill(64, 2),
		syms: []testutil.ELFSym{
			{Name: "grep::main", Value: 0x2000, Size: 32, Type: elf.STT_FUNC, Defined: true},
		},
	})
	stats, bad, err := Profile(repo, Filter{})
	require.NoError(t, err)
	assert.Empty(t, bad)

	assert.Equal(t, 2, stats.Binaries)
	assert.Equal(t, 2, stats.Packages)
	assert.Equal(t, 3, stats.Functions)
	assert.Equal(t, uint64(128), stats.TextBytes)

	assert.Equal(t, 2, stats.TextSizes.Count)
	assert.Equal(t, 64.0, stats.TextSizes.Min)
	assert.Equal(t, 64.0, stats.TextSizes.Max)
	assert.Equal(t, 64.0, stats.TextSizes.Mean)

	assert.Equal(t, 2, stats.FuncCounts.Count)
	assert.Equal(t, 1.0, stats.FuncCounts.Min)
	assert.Equal(t, 2.0, stats.FuncCounts.Max)

	assert.Equal(t, 3, stats.FuncSizes.Count)
	assert.Equal(t, 16.0, stats.FuncSizes.Min)
	assert.Equal(t, 32.0, stats.FuncSizes.Max)
	assert.InDelta(t, 64.0/3, stats.FuncSizes.Mean, 0.01)

	// One gap: exa::run starts 16 bytes past exa::main's end.
	assert.Equal(t, 1, stats.GapSizes.Count)
	assert.Equal(t, 16.0, stats.GapSizes.Min)
	assert.Equal(t, 16.0, stats.GapSizes.Max)

	require.Len(t, stats.PerPackage, 2)
	assert.Equal(t, "exa", stats.PerPackage[0].Package.Name)
	assert.Equal(t, 1, stats.PerPackage[0].Binaries)
	assert.Equal(t, 2, stats.PerPackage[0].Functions)
	assert.Equal(t, uint64(64), stats.PerPackage[0].TextBytes)
	assert.Equal(t, "ripgrep", stats.PerPackage[1].Package.Name)

	require.Len(t, stats.PerSpec, 1)
	assert.Equal(t, testSpec(rustc.O0), stats.PerSpec[0].Spec)
	assert.Equal(t, 2, stats.PerSpec[0].Binaries)
	assert.Equal(t, 3, stats.PerSpec[0].Functions)

	require.Len(t, stats.Crates, 2)
	assert.Equal(t, CrateStats{Crate: "exa", Functions: 2}, stats.Crates[0])
	assert.Equal(t, CrateStats{Crate: "grep", Functions: 1}, stats.Crates[1])
}

func TestCrateOf(t *testing.T) {
	tests := []struct {
		name  string
		crate string
	}{
		{"memcpy", "memcpy"},
		{"exa::fs::fields::perms", "exa"},
		{"<exa::fs::File as core::fmt::Debug>::fmt", "exa"},
		{"_ZN3exa2fs4File3fmt17haaaaaaaaaaaaaaaaE", "exa"},
		{"alloc::vec::Vec<u8>::push", "alloc"},
	}
	for _, test := range tests {
		assert.Equal(t, test.crate, crateOf(test.name), "crateOf(%q)", test.name)
	}
}

func TestLeakageCheck(t *testing.T) {
	repo := openRepo(t)
	exa0 := putBin(t, repo, testBin{
		pkg:  crates.Package{Name: "exa", Version: "0.10.1"},
		spec: testSpec(rustc.O0),
		name: "exa", addr: 0x1000, text: fill(64, 1), syms: mainSym(0x1000),
	})
	exa3 := putBin(t, repo, testBin{
		pkg:  crates.Package{Name: "exa", Version: "0.10.1"},
		spec: testSpec(rustc.O3),
		name: "exa", addr: 0x1000, text: fill(64, 2), syms: mainSym(0x1000),
	})
	rg := putBin(t, repo, testBin{
		pkg:  crates.Package{Name: "ripgrep", Version: "13.0.0"},
		spec: testSpec(rustc.O0),
		name: "rg", addr: 0x1000, text: fill(64, 3), syms: mainSym(0x1000),
	})

	disjointA := &Manifest{Digests: []string{exa0, exa3}}
	disjointB := &Manifest{Digests: []string{rg}}
	leaked, err := LeakageCheck(repo, disjointA, disjointB)
	require.NoError(t, err)
	assert.Empty(t, leaked)

	overlapping := &Manifest{Digests: []string{exa0, rg}}
	leaked, err = LeakageCheck(repo, disjointA, overlapping)
	require.NoError(t, err)
	assert.Equal(t, []string{"exa"}, leaked)

	_, err = LeakageCheck(repo, disjointA, &Manifest{Digests: []string{"zzzz"}})
	assert.Error(t, err)
}

func TestSearchBytes(t *testing.T) {
	repo := openRepo(t)
	prologue := []byte{0x55, 0x48, 0x89, 0xe5}
	text := make([]byte, 64)
	copy(text[0:], prologue)  // at the start of pro1
	copy(text[16:], prologue) // inside pro1
	copy(text[32:], prologue) // at the start of pro2
	putBin(t, repo, testBin{
		pkg:  crates.Package{Name: "exa", Version: "0.10.1"},
		spec: testSpec(rustc.O0),
		name: "exa",
		addr: 0x1000,
		text: text,
		syms: []testutil.ELFSym{
			{Name: "pro1", Value: 0x1000, Size: 32, Type: elf.STT_FUNC, Defined: true},
			{Name: "pro2", Value: 0x1020, Size: 32, Type: elf.STT_FUNC, Defined: true},
		},
	})
	atStarts, elsewhere, err := SearchBytes(repo, Filter{}, prologue)
	require.NoError(t, err)
	assert.Equal(t, 2, atStarts)
	assert.Equal(t, 1, elsewhere)

	atStarts, elsewhere, err = SearchBytes(repo, Filter{}, []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	assert.Equal(t, 0, atStarts)
	assert.Equal(t, 0, elsewhere)

	_, _, err = SearchBytes(repo, Filter{}, nil)
	assert.Error(t, err)
}
