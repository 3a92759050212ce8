// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package rustc knows how to drive the Rust toolchain: target triples,
// optimization levels, linkage modes and synthesis of cargo/cross build
// commands with isolated target directories.
package rustc

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ripkit/ripkit/pkg/osutil"
)

// OptLevel is a rustc optimization level as passed to -C opt-level=.
type OptLevel string

const (
	O0 OptLevel = "0"
	O1 OptLevel = "1"
	O2 OptLevel = "2"
	O3 OptLevel = "3"
	Os OptLevel = "s"
	Oz OptLevel = "z"
)

// OptLevels lists all levels in canonical order.
var OptLevels = []OptLevel{O0, O1, O2, O3, Os, Oz}

// ParseOptLevel accepts both bare levels ("0", "z") and the conventional
// O-prefixed spelling ("O0", "Oz").
func ParseOptLevel(s string) (OptLevel, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "O"), "o")
	for _, level := range OptLevels {
		if string(level) == trimmed {
			return level, nil
		}
	}
	return "", fmt.Errorf("unknown optimization level %q (supported: O0-O3, Os, Oz)", s)
}

// String returns the conventional O-prefixed spelling.
func (level OptLevel) String() string {
	return "O" + string(level)
}

// Linkage selects how produced executables link against libc.
type Linkage string

const (
	LinkDynamic Linkage = "dynamic"
	LinkStatic  Linkage = "static"
)

var Linkages = []Linkage{LinkDynamic, LinkStatic}

func ParseLinkage(s string) (Linkage, error) {
	switch Linkage(s) {
	case LinkDynamic, LinkStatic:
		return Linkage(s), nil
	case "":
		return LinkDynamic, nil
	}
	return "", fmt.Errorf("unknown linkage %q (supported: dynamic, static)", s)
}

// BuildOpts describes one invocation of the Rust toolchain.
type BuildOpts struct {
	// Directory with the crate's Cargo.toml.
	SrcDir string
	// Isolated CARGO_TARGET_DIR. Sharing it between concurrent builds of the
	// same crate corrupts incremental state, so each matrix cell gets its own.
	TargetDir string
	Target    *Target
	Opt       OptLevel
	Linkage   Linkage
}

// Rustflags returns the RUSTFLAGS value for the build.
// debuginfo=2 keeps DWARF and the symbol table in the unstripped artifact
// that ground truth is extracted from; opt-level overrides the release
// profile default.
func (opts *BuildOpts) Rustflags() string {
	flags := fmt.Sprintf("-C opt-level=%v -C debuginfo=2", string(opts.Opt))
	if opts.Linkage == LinkStatic {
		flags += " -C target-feature=+crt-static"
	}
	return flags
}

// Command synthesizes the build command: plain cargo for the host triple,
// cross (container-based toolchain) for everything else.
func (opts *BuildOpts) Command() *exec.Cmd {
	tool := "cargo"
	if opts.Target.NeedsCross() {
		tool = "cross"
	}
	cmd := osutil.Command(tool, "build", "--release", "--target", opts.Target.Triple)
	cmd.Dir = opts.SrcDir
	cmd.Env = append(os.Environ(),
		"RUSTFLAGS="+opts.Rustflags(),
		"CARGO_TARGET_DIR="+opts.TargetDir,
	)
	return cmd
}

// CommandLine renders the effective command for provenance records.
func (opts *BuildOpts) CommandLine() string {
	cmd := opts.Command()
	return fmt.Sprintf("RUSTFLAGS=%q %v", opts.Rustflags(), strings.Join(cmd.Args, " "))
}

// CheckToolchain verifies that cargo is runnable.
func CheckToolchain(timeout time.Duration) error {
	if _, err := osutil.RunCmd(timeout, "", "cargo", "--version"); err != nil {
		return fmt.Errorf("cargo is not functional: %w", err)
	}
	return nil
}

// KnownTriples asks rustc for the triples it knows about.
func KnownTriples(timeout time.Duration) (map[string]bool, error) {
	output, err := osutil.RunCmd(timeout, "", "rustc", "--print", "target-list")
	if err != nil {
		return nil, fmt.Errorf("rustc is not functional: %w", err)
	}
	triples := make(map[string]bool)
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			triples[line] = true
		}
	}
	return triples, nil
}
