// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package pipeline

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ripkit/ripkit/pkg/crates"
)

// Plan is an explicit work list: which crate versions to build, with an
// optional override of the configured matrix. Plans are YAML:
//
//	packages:
//	  - name: exa
//	    version: 0.10.1
//	  - name: ripgrep
//	    version: 13.0.0
//	targets:
//	  - x86_64-unknown-linux-gnu
//	opts: [O0, O2, Oz]
type Plan struct {
	Packages []crates.Package `yaml:"packages"`
	Targets  []string         `yaml:"targets,omitempty"`
	Opts     []string         `yaml:"opts,omitempty"`
	Linkages []string         `yaml:"linkages,omitempty"`
}

func LoadPlan(filename string) (*Plan, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	plan := new(Plan)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(plan); err != nil {
		return nil, fmt.Errorf("%v: failed to parse plan: %w", filename, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	return plan, nil
}

func (plan *Plan) Validate() error {
	if len(plan.Packages) == 0 {
		return fmt.Errorf("plan lists no packages")
	}
	for _, pkg := range plan.Packages {
		if pkg.Name == "" || pkg.Version == "" {
			return fmt.Errorf("plan package %q needs both name and version", pkg.Name)
		}
	}
	return nil
}
