// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package rustc

import (
	"fmt"
	"runtime"
	"sort"
)

// Target describes one cross-compilation target triple.
type Target struct {
	Triple string
	OS     string
	Arch   string
	// Libc flavor: gnu or musl (empty for windows).
	Libc    string
	PtrSize uint64
	// Object format of produced executables: elf or pe.
	Format    string
	ExeSuffix string
}

// List contains all supported target triples.
var List = map[string]*Target{
	"x86_64-unknown-linux-gnu": {
		OS:      "linux",
		Arch:    "x86_64",
		Libc:    "gnu",
		PtrSize: 8,
		Format:  FormatELF,
	},
	"x86_64-unknown-linux-musl": {
		OS:      "linux",
		Arch:    "x86_64",
		Libc:    "musl",
		PtrSize: 8,
		Format:  FormatELF,
	},
	"i686-unknown-linux-gnu": {
		OS:      "linux",
		Arch:    "i686",
		Libc:    "gnu",
		PtrSize: 4,
		Format:  FormatELF,
	},
	"aarch64-unknown-linux-gnu": {
		OS:      "linux",
		Arch:    "aarch64",
		Libc:    "gnu",
		PtrSize: 8,
		Format:  FormatELF,
	},
	"riscv64gc-unknown-linux-gnu": {
		OS:      "linux",
		Arch:    "riscv64",
		Libc:    "gnu",
		PtrSize: 8,
		Format:  FormatELF,
	},
	"x86_64-pc-windows-gnu": {
		OS:        "windows",
		Arch:      "x86_64",
		PtrSize:   8,
		Format:    FormatPE,
		ExeSuffix: ".exe",
	},
}

const (
	FormatELF = "elf"
	FormatPE  = "pe"
)

func init() {
	for triple, target := range List {
		target.Triple = triple
	}
}

// Get returns the target for the given triple.
func Get(triple string) (*Target, error) {
	target := List[triple]
	if target == nil {
		return nil, fmt.Errorf("unsupported target triple %q (supported: %v)", triple, Sorted())
	}
	return target, nil
}

// Sorted returns all supported triples in deterministic order.
func Sorted() []string {
	triples := make([]string, 0, len(List))
	for triple := range List {
		triples = append(triples, triple)
	}
	sort.Strings(triples)
	return triples
}

// HostTriple returns the triple matching the machine we run on,
// or "" if the host is not a supported build host.
// Host builds go through plain cargo, everything else through cross.
func HostTriple() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64-unknown-linux-gnu"
	case "386":
		return "i686-unknown-linux-gnu"
	case "arm64":
		return "aarch64-unknown-linux-gnu"
	case "riscv64":
		return "riscv64gc-unknown-linux-gnu"
	}
	return ""
}

// NeedsCross reports whether building for the target requires the cross tool
// rather than the host cargo.
func (target *Target) NeedsCross() bool {
	return target.Triple != HostTriple()
}
