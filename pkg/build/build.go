// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package build runs the build matrix: every requested (target, optimization,
// linkage) cell of a package is built in its own isolated workspace, produced
// executables are collected and stripped, and failures are classified and
// recorded per cell without aborting the rest of the matrix.
package build

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ripkit/ripkit/pkg/crates"
	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/osutil"
	"github.com/ripkit/ripkit/pkg/rustc"
)

// Spec is one cell of the build matrix.
type Spec struct {
	Target  string         `json:"target"`
	Opt     rustc.OptLevel `json:"opt"`
	Linkage rustc.Linkage  `json:"linkage"`
}

// ID returns a stable identifier usable as a directory name.
func (spec Spec) ID() string {
	return fmt.Sprintf("%v-%v-%v", spec.Target, spec.Opt, spec.Linkage)
}

func (spec Spec) String() string {
	return fmt.Sprintf("%v/%v/%v", spec.Target, spec.Opt, spec.Linkage)
}

func (spec Spec) Validate() error {
	if _, err := rustc.Get(spec.Target); err != nil {
		return err
	}
	if _, err := rustc.ParseOptLevel(string(spec.Opt)); err != nil {
		return err
	}
	if _, err := rustc.ParseLinkage(string(spec.Linkage)); err != nil {
		return err
	}
	return nil
}

// MatrixSpecs builds the cross product of targets, optimization levels and
// linkage modes. Empty opts/linkages default to all levels / dynamic.
func MatrixSpecs(targets, opts, linkages []string) ([]Spec, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets requested")
	}
	if len(opts) == 0 {
		for _, level := range rustc.OptLevels {
			opts = append(opts, string(level))
		}
	}
	if len(linkages) == 0 {
		linkages = []string{string(rustc.LinkDynamic)}
	}
	// Target triples are not validated here: an unknown triple becomes a
	// failed cell so that the rest of the matrix still runs.
	var specs []Spec
	for _, target := range targets {
		for _, opt := range opts {
			level, err := rustc.ParseOptLevel(opt)
			if err != nil {
				return nil, err
			}
			for _, linkage := range linkages {
				link, err := rustc.ParseLinkage(linkage)
				if err != nil {
					return nil, err
				}
				specs = append(specs, Spec{Target: target, Opt: level, Linkage: link})
			}
		}
	}
	return specs, nil
}

// Params describes a package's trip through the build matrix.
type Params struct {
	Package crates.Package
	// Unpacked source tree; treated as read-only.
	SrcDir string
	// Per-package scratch directory, one subdirectory per cell.
	WorkDir string
	Specs   []Spec
	// Per-cell timeout, cargo and its whole process tree are killed past it.
	Timeout time.Duration
}

// Artifact is one produced executable.
type Artifact struct {
	Package crates.Package
	Spec    Spec
	// Executable name as cargo produced it (rg, exa.exe).
	Name string
	// Paths of the unstripped original and the stripped copy.
	Unstripped string
	Stripped   string
	// Effective command line, recorded for provenance.
	CommandLine string
	Log         []byte
}

// Failure is a terminal build failure of one cell.
type Failure struct {
	Package  crates.Package
	Spec     Spec
	Cause    []byte
	Output   []byte
	Attempts int
}

func (err *Failure) Error() string {
	cause := strings.TrimSpace(string(err.Cause))
	if cause == "" {
		cause = "build failed"
	}
	return fmt.Sprintf("%v %v: %v", err.Package, err.Spec, cause)
}

// CellResult holds the outcome of one cell: either artifacts (possibly none
// for library-only crates) or a failure.
type CellResult struct {
	Spec      Spec
	Artifacts []*Artifact
	Failure   *Failure
}

// Matrix builds all cells. The returned error covers setup problems only;
// per-cell build failures land in the corresponding CellResult and never
// prevent the remaining cells from running.
func Matrix(ctx context.Context, params *Params) ([]*CellResult, error) {
	if len(params.Specs) == 0 {
		return nil, fmt.Errorf("empty build matrix")
	}
	if err := osutil.IsAccessible(filepath.Join(params.SrcDir, "Cargo.toml")); err != nil {
		return nil, fmt.Errorf("%v does not look like a crate source tree: %w", params.SrcDir, err)
	}
	timeout := params.Timeout
	if timeout == 0 {
		timeout = time.Hour
	}
	results := make([]*CellResult, 0, len(params.Specs))
	for _, spec := range params.Specs {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, buildCell(ctx, params, spec, timeout))
	}
	return results, nil
}

func buildCell(ctx context.Context, params *Params, spec Spec, timeout time.Duration) *CellResult {
	res := &CellResult{Spec: spec}
	// A bad spec (unknown triple) fails this cell only.
	if err := spec.Validate(); err != nil {
		res.Failure = &Failure{
			Package:  params.Package,
			Spec:     spec,
			Cause:    []byte(err.Error()),
			Attempts: 1,
		}
		return res
	}
	cellDir := filepath.Join(params.WorkDir, spec.ID())
	if err := osutil.MkdirAll(cellDir); err != nil {
		res.Failure = &Failure{
			Package: params.Package,
			Spec:    spec,
			Cause:   []byte(err.Error()),
		}
		return res
	}
	target, _ := rustc.Get(spec.Target)
	opts := &rustc.BuildOpts{
		SrcDir:    params.SrcDir,
		TargetDir: cellDir,
		Target:    target,
		Opt:       spec.Opt,
		Linkage:   spec.Linkage,
	}
	var output []byte
	var err error
	attempts := 0
	for {
		attempts++
		log.Logf(1, "build: %v %v (attempt %v)", params.Package, spec, attempts)
		output, err = osutil.RunContext(ctx, timeout, opts.Command())
		if err == nil || attempts > 1 || ctx.Err() != nil || !transientFailure(output) {
			break
		}
		log.Logf(0, "build: %v %v failed with a transient error, retrying", params.Package, spec)
	}
	if err != nil {
		res.Failure = &Failure{
			Package:  params.Package,
			Spec:     spec,
			Cause:    extractCause(output, err),
			Output:   output,
			Attempts: attempts,
		}
		return res
	}
	artifacts, err := collectArtifacts(params, spec, opts, cellDir, output)
	if err != nil {
		res.Failure = &Failure{
			Package:  params.Package,
			Spec:     spec,
			Cause:    []byte(err.Error()),
			Output:   output,
			Attempts: attempts,
		}
		return res
	}
	res.Artifacts = artifacts
	return res
}

func collectArtifacts(params *Params, spec Spec, opts *rustc.BuildOpts,
	cellDir string, output []byte) ([]*Artifact, error) {
	releaseDir := filepath.Join(cellDir, spec.Target, "release")
	executables, err := Executables(releaseDir, opts.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to scan build output: %w", err)
	}
	if len(executables) == 0 {
		// Library-only crate: a legitimate empty cell, not a failure.
		log.Logf(1, "build: %v %v produced no executables", params.Package, spec)
		return nil, nil
	}
	strippedDir := filepath.Join(cellDir, "stripped")
	if err := osutil.MkdirAll(strippedDir); err != nil {
		return nil, err
	}
	var artifacts []*Artifact
	for _, exe := range executables {
		stripped := filepath.Join(strippedDir, filepath.Base(exe))
		if err := Strip(exe, stripped); err != nil {
			return nil, fmt.Errorf("failed to strip %v: %w", exe, err)
		}
		artifacts = append(artifacts, &Artifact{
			Package:     params.Package,
			Spec:        spec,
			Name:        filepath.Base(exe),
			Unstripped:  exe,
			Stripped:    stripped,
			CommandLine: opts.CommandLine(),
			Log:         output,
		})
	}
	return artifacts, nil
}

// ToolchainIdentity returns the first line of rustc --version for provenance
// records.
func ToolchainIdentity(timeout time.Duration) (string, error) {
	output, err := osutil.RunCmd(timeout, "", "rustc", "--version")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(output), "\n")
	return strings.TrimSpace(line), nil
}
