// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package pipeline wires acquisition, the build matrix, ground truth
// extraction and the binary repository into one batch run: a pool of
// (package, spec) cell jobs that fetch sources, build, extract function
// boundaries and store the results. Cell failures are recorded in the run
// summary and never abort the batch.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ripkit/ripkit/pkg/build"
	"github.com/ripkit/ripkit/pkg/crates"
	"github.com/ripkit/ripkit/pkg/groundtruth"
	"github.com/ripkit/ripkit/pkg/hash"
	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/osutil"
	"github.com/ripkit/ripkit/pkg/ripbin"
)

type Pipeline struct {
	cfg      *Config
	repo     *ripbin.Repo
	registry *crates.Registry
	cache    *crates.Cache

	// Fetched trees are digested once per package, concurrent cells of the
	// same package share the work.
	group   singleflight.Group
	mu      sync.Mutex
	sources map[string]*source
}

type source struct {
	dir    string
	digest string
}

// New opens the repository, the registry (when configured) and the source
// cache described by cfg.
func New(cfg *Config) (*Pipeline, error) {
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	if err := osutil.MkdirAll(cfg.WorkDir); err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}
	repo, err := ripbin.Open(cfg.Repo)
	if err != nil {
		return nil, err
	}
	var registry *crates.Registry
	if cfg.RegistryDB != "" {
		registry, err = crates.OpenRegistry(cfg.RegistryDB)
		if err != nil {
			repo.Close()
			return nil, err
		}
	}
	return &Pipeline{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		cache:    crates.NewCache(cfg.Cache, registry),
		sources:  make(map[string]*source),
	}, nil
}

func (p *Pipeline) Close() error {
	var err error
	if p.registry != nil {
		err = p.registry.Close()
	}
	if cerr := p.repo.Close(); err == nil {
		err = cerr
	}
	return err
}

// Repo exposes the underlying repository for post-run inspection.
func (p *Pipeline) Repo() *ripbin.Repo {
	return p.repo
}

// Result is the outcome of one (package, spec) cell.
type Result struct {
	Package crates.Package
	Spec    build.Spec
	// Digests of the stored entries, one per produced executable.
	Digests []string
	// The cell was already built from identical sources.
	Skipped bool
	Err     error
}

func (res *Result) status() string {
	switch {
	case res.Err != nil:
		return fmt.Sprintf("failed: %v", res.Err)
	case res.Skipped:
		return "already built, skipped"
	case len(res.Digests) == 0:
		return "no executables"
	default:
		return "stored " + strings.Join(res.Digests, ", ")
	}
}

// Summary aggregates a batch run. Every scheduled cell lands in exactly one
// of the four counters.
type Summary struct {
	Results []*Result
	Built   int // cells that stored at least one entry
	Skipped int // cells already present for this source digest
	Empty   int // cells that built fine but produced no executables
	Failed  int
	Stored  int // repository entries written
}

func (s *Summary) add(res *Result) {
	s.Results = append(s.Results, res)
	switch {
	case res.Err != nil:
		s.Failed++
	case res.Skipped:
		s.Skipped++
	case len(res.Digests) == 0:
		s.Empty++
	default:
		s.Built++
	}
	s.Stored += len(res.Digests)
}

func (s *Summary) String() string {
	return fmt.Sprintf("built %v, skipped %v, empty %v, failed %v cells; stored %v entries",
		s.Built, s.Skipped, s.Empty, s.Failed, s.Stored)
}

// Run builds every package of the plan across the effective matrix and
// stores the results. The returned summary covers all cells; the error is
// non-nil only for setup problems and context cancellation.
func (p *Pipeline) Run(ctx context.Context, plan *Plan) (*Summary, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	specs, err := p.matrixFor(plan)
	if err != nil {
		return nil, err
	}
	pkgs := dedupe(plan.Packages)
	log.Logf(0, "pipeline: %v packages x %v cells", len(pkgs), len(specs))
	summary := new(Summary)
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallelism)
	for _, pkg := range pkgs {
		for _, spec := range specs {
			g.Go(func() error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				res := p.runCell(ctx, pkg, spec)
				log.Logf(0, "pipeline: %v %v: %v", pkg, spec, res.status())
				mu.Lock()
				summary.add(res)
				mu.Unlock()
				return nil
			})
		}
	}
	err = g.Wait()
	sort.Slice(summary.Results, func(i, j int) bool {
		a, b := summary.Results[i], summary.Results[j]
		if a.Package != b.Package {
			return a.Package.String() < b.Package.String()
		}
		return a.Spec.ID() < b.Spec.ID()
	})
	return summary, err
}

func (p *Pipeline) matrixFor(plan *Plan) ([]build.Spec, error) {
	targets, opts, linkages := p.cfg.Targets, p.cfg.Opts, p.cfg.Linkages
	if len(plan.Targets) > 0 {
		targets = plan.Targets
	}
	if len(plan.Opts) > 0 {
		opts = plan.Opts
	}
	if len(plan.Linkages) > 0 {
		linkages = plan.Linkages
	}
	return build.MatrixSpecs(targets, opts, linkages)
}

func dedupe(pkgs []crates.Package) []crates.Package {
	seen := make(map[crates.Package]bool)
	var out []crates.Package
	for _, pkg := range pkgs {
		if seen[pkg] {
			log.Logf(0, "pipeline: %v listed twice in the plan", pkg)
			continue
		}
		seen[pkg] = true
		out = append(out, pkg)
	}
	return out
}

func (p *Pipeline) runCell(ctx context.Context, pkg crates.Package, spec build.Spec) *Result {
	res := &Result{Package: pkg, Spec: spec}
	src, err := p.source(ctx, pkg)
	if err != nil {
		res.Err = err
		return res
	}
	if len(p.repo.FindBuilt(pkg, src.digest, spec)) > 0 {
		res.Skipped = true
		return res
	}
	// Each cell builds from its own copy of the sources: the cache tree is
	// immutable and cargo writes Cargo.lock next to the manifest.
	cellRoot := filepath.Join(p.cfg.WorkDir, pkg.String(), spec.ID())
	srcDir := filepath.Join(cellRoot, "src")
	if err := osutil.CopyDirRecursively(src.dir, srcDir); err != nil {
		res.Err = fmt.Errorf("failed to populate workspace: %w", err)
		return res
	}
	cells, err := build.Matrix(ctx, &build.Params{
		Package: pkg,
		SrcDir:  srcDir,
		WorkDir: cellRoot,
		Specs:   []build.Spec{spec},
		Timeout: p.cfg.BuildTimeout(),
	})
	if err != nil {
		res.Err = err
		return res
	}
	cell := cells[0]
	if cell.Failure != nil {
		res.Err = cell.Failure
		return res
	}
	for _, artifact := range cell.Artifacts {
		sig, err := p.store(artifact, src.digest)
		if err != nil {
			log.Logf(0, "pipeline: failed to store %v %v %v: %v", pkg, spec, artifact.Name, err)
			if res.Err == nil {
				res.Err = err
			}
			continue
		}
		res.Digests = append(res.Digests, sig.String())
	}
	if res.Err == nil {
		// Workspaces of failed cells are kept for inspection.
		os.RemoveAll(cellRoot)
	}
	return res
}

// source fetches and digests the package sources, once per package per run.
func (p *Pipeline) source(ctx context.Context, pkg crates.Package) (*source, error) {
	key := pkg.String()
	p.mu.Lock()
	src := p.sources[key]
	p.mu.Unlock()
	if src != nil {
		return src, nil
	}
	v, err, _ := p.group.Do(key, func() (any, error) {
		dir, err := p.cache.Fetch(ctx, pkg, false)
		if err != nil {
			return nil, err
		}
		digest, err := crates.TreeDigest(dir)
		if err != nil {
			return nil, err
		}
		src := &source{dir: dir, digest: digest}
		p.mu.Lock()
		p.sources[key] = src
		p.mu.Unlock()
		return src, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*source), nil
}

func (p *Pipeline) store(artifact *build.Artifact, srcDigest string) (hash.Sig, error) {
	record, err := groundtruth.ExtractFile(artifact.Unstripped)
	if err != nil {
		return hash.Sig{}, fmt.Errorf("ground truth extraction of %v: %w", artifact.Name, err)
	}
	return p.repo.Put(artifact, record, srcDigest)
}
