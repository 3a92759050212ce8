// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package build

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ripkit/ripkit/pkg/rustc"
)

// Executables returns the executables cargo placed directly in releaseDir,
// in sorted order. Build-script binaries live in release/build/ and are
// deliberately not picked up; shared libraries and metadata files are
// filtered by extension and object magic.
func Executables(releaseDir string, target *rustc.Target) ([]string, error) {
	entries, err := os.ReadDir(releaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var executables []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if skipExtension(name) {
			continue
		}
		if target.ExeSuffix != "" && !strings.HasSuffix(name, target.ExeSuffix) {
			continue
		}
		path := filepath.Join(releaseDir, name)
		ok, err := hasObjectMagic(path, target.Format)
		if err != nil {
			return nil, err
		}
		if ok {
			executables = append(executables, path)
		}
	}
	sort.Strings(executables)
	return executables, nil
}

func skipExtension(name string) bool {
	switch filepath.Ext(name) {
	case ".d", ".rlib", ".rmeta", ".so", ".dylib", ".dll", ".a", ".lib", ".pdb":
		return true
	}
	return false
}

var (
	elfMagic = []byte{0x7f, 'E', 'L', 'F'}
	peMagic  = []byte{'M', 'Z'}
)

// hasObjectMagic checks the file starts with the executable magic of the
// target's object format.
func hasObjectMagic(path, format string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	magic := make([]byte, 4)
	n, err := f.Read(magic)
	if err != nil || n < len(magic) {
		// Too short to be an executable.
		return false, nil
	}
	switch format {
	case rustc.FormatELF:
		return bytes.Equal(magic, elfMagic), nil
	case rustc.FormatPE:
		return bytes.Equal(magic[:2], peMagic), nil
	}
	return false, nil
}
