// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bench

import (
	"context"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripkit/ripkit/pkg/build"
	"github.com/ripkit/ripkit/pkg/crates"
	"github.com/ripkit/ripkit/pkg/groundtruth"
	"github.com/ripkit/ripkit/pkg/hash"
	"github.com/ripkit/ripkit/pkg/ripbin"
	"github.com/ripkit/ripkit/pkg/rustc"
	"github.com/ripkit/ripkit/pkg/testutil"
)

type fakeBackend struct {
	name   string
	starts []uint64
	err    error
	gotBin string
}

func (fake *fakeBackend) Name() string {
	return fake.name
}

func (fake *fakeBackend) Analyze(ctx context.Context, bin string) ([]uint64, error) {
	fake.gotBin = bin
	if fake.err != nil {
		return nil, fake.err
	}
	if _, err := os.Stat(bin); err != nil {
		return nil, err
	}
	return fake.starts, nil
}

func openRepo(t *testing.T) *ripbin.Repo {
	repo, err := ripbin.Open(filepath.Join(t.TempDir(), "repo"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// seedEntry stores one binary with functions alpha [0x1000, 0x1010) and
// beta [0x1020, 0x1030).
func seedEntry(t *testing.T, repo *ripbin.Repo) hash.Sig {
	t.Helper()
	syms := []testutil.ELFSym{
		{Name: "alpha", Value: 0x1000, Size: 16, Type: elf.STT_FUNC, Defined: true},
		{Name: "beta", Value: 0x1020, Size: 16, Type: elf.STT_FUNC, Defined: true},
	}
	text := make([]byte, 64)
	full := testutil.BuildELF(t, testutil.ELFSpec{Addr: 0x1000, Text: text, Syms: syms})
	bare := testutil.BuildELF(t, testutil.ELFSpec{Addr: 0x1000, Text: text, Stripped: true})
	dir := t.TempDir()
	unstripped := filepath.Join(dir, "demo.unstripped")
	stripped := filepath.Join(dir, "demo")
	require.NoError(t, os.WriteFile(unstripped, full, 0755))
	require.NoError(t, os.WriteFile(stripped, bare, 0755))
	record, err := groundtruth.ExtractFile(unstripped)
	require.NoError(t, err)
	artifact := &build.Artifact{
		Package:     crates.Package{Name: "demo", Version: "1.0.0"},
		Spec:        build.Spec{Target: "x86_64-unknown-linux-gnu", Opt: rustc.O0, Linkage: rustc.LinkDynamic},
		Name:        "demo",
		Unstripped:  unstripped,
		Stripped:    stripped,
		CommandLine: "cargo build",
		Log:         []byte("ok\n"),
	}
	sig, err := repo.Put(artifact, record, "src-demo")
	require.NoError(t, err)
	return sig
}

func TestRun(t *testing.T) {
	repo := openRepo(t)
	sig := seedEntry(t, repo)
	backend := &fakeBackend{name: "fake", starts: []uint64{0x1000, 0x1018, 0x1020}}
	pred, err := Run(repo, backend, sig, 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fake", pred.Backend)
	assert.Equal(t, []uint64{0x1000, 0x1018, 0x1020}, pred.Boundaries)
	assert.Empty(t, pred.Failure)
	assert.False(t, pred.CreatedAt.IsZero())
	require.NotNil(t, pred.Metrics)
	assert.Equal(t, 2, pred.Metrics.TruePos)
	assert.Equal(t, 1, pred.Metrics.FalsePos)
	assert.Equal(t, 0, pred.Metrics.FalseNeg)
	assert.InDelta(t, 2.0/3, pred.Metrics.Precision, 1e-12)
	assert.InDelta(t, 1.0, pred.Metrics.Recall, 1e-12)
	assert.InDelta(t, 0.8, pred.Metrics.F1, 1e-12)
	// The backend must see a private copy named after the binary, not the
	// repository entry itself.
	assert.Equal(t, "demo", filepath.Base(backend.gotBin))
	assert.NoFileExists(t, backend.gotBin)

	stored, err := repo.Predictions(sig)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, pred.Boundaries, stored[0].Boundaries)
	assert.Equal(t, pred.Metrics, stored[0].Metrics)
}

func TestRunBackendFailure(t *testing.T) {
	repo := openRepo(t)
	sig := seedEntry(t, repo)
	backend := &fakeBackend{name: "broken", err: errors.New("analysis exploded")}
	pred, err := Run(repo, backend, sig, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "analysis exploded", pred.Failure)
	assert.Nil(t, pred.Boundaries)
	assert.Nil(t, pred.Metrics)

	stored, err := repo.Predictions(sig)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "analysis exploded", stored[0].Failure)
}

func TestRunUnknownEntry(t *testing.T) {
	repo := openRepo(t)
	backend := &fakeBackend{name: "fake"}
	_, err := Run(repo, backend, hash.Hash([]byte("no such entry")), 0, 0)
	assert.ErrorIs(t, err, ripbin.ErrNotFound)
}

func TestRunTolerance(t *testing.T) {
	repo := openRepo(t)
	sig := seedEntry(t, repo)
	backend := &fakeBackend{name: "near", starts: []uint64{0x1002, 0x101e}}
	pred, err := Run(repo, backend, sig, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, pred.Metrics.TruePos)
	assert.Equal(t, 0, pred.Metrics.FalsePos)
	assert.Equal(t, 0, pred.Metrics.FalseNeg)
}
