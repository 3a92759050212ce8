// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package crates acquires Rust package sources: a SQLite index of the
// crates.io registry dump for name/version/checksum lookup, and an on-disk
// cache of unpacked source trees fetched from the static download endpoint.
// Acquisition stops at a readable source tree; whether the package builds is
// the build matrix's problem.
package crates

import (
	"fmt"
)

// Package identifies one acquirable package.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (pkg Package) String() string {
	return pkg.Name + "-" + pkg.Version
}

// Info is registry metadata for one crate version.
type Info struct {
	Name        string
	Version     string
	Checksum    string
	Downloads   int64
	Description string
}

// ErrorKind classifies acquisition failures.
type ErrorKind string

const (
	// NotFound: the identifier does not resolve (registry row or download 404).
	NotFound ErrorKind = "not-found"
	// Network: retrieval failed (timeouts, refused connections, bad status).
	Network ErrorKind = "network"
	// Checksum: downloaded archive does not match the registry checksum.
	Checksum ErrorKind = "checksum"
	// Unpack: the archive is corrupt or has a hostile layout.
	Unpack ErrorKind = "unpack"
)

// AcquisitionError is returned for all acquisition failures so that callers
// can tell permanent identifiers-are-wrong failures from transient ones.
type AcquisitionError struct {
	Kind    ErrorKind
	Package Package
	Err     error
}

func (err *AcquisitionError) Error() string {
	return fmt.Sprintf("acquiring %v: %v: %v", err.Package, err.Kind, err.Err)
}

func (err *AcquisitionError) Unwrap() error {
	return err.Err
}

// Transient reports whether retrying the same acquisition may succeed.
func (err *AcquisitionError) Transient() bool {
	return err.Kind == Network
}

func acquisitionErr(kind ErrorKind, pkg Package, format string, args ...any) *AcquisitionError {
	return &AcquisitionError{
		Kind:    kind,
		Package: pkg,
		Err:     fmt.Errorf(format, args...),
	}
}
