// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package crates

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Column order is shuffled relative to the import calls on purpose:
// the importer must locate columns by header name, not position.
const testCratesCSV = `created_at,description,downloads,id,name,repository
2016-03-11,ls replacement,500,1,exa,https://example.org/exa
2016-03-12,line-oriented search,9000,2,ripgrep,https://example.org/rg
2016-03-13,async runtime,7000,3,tokio,https://example.org/tokio
`

const testVersionsCSV = `checksum,crate_id,created_at,id,num,yanked
aaaa,1,2019-01-01 10:00:00,11,0.9.0,f
bbbb,1,2021-04-03 12:21:37,12,0.10.1,f
cccc,1,2022-01-01 09:00:00,13,0.11.0,t
dddd,2,2021-06-12 08:30:00,21,13.0.0,f
eeee,3,2024-05-30 16:00:00,31,1.38.0,f
ffff,99,2020-01-01 00:00:00,91,1.0.0,f
`

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestImportDump(t *testing.T) {
	reg := openTestRegistry(t)
	rows, err := reg.ImportDump(strings.NewReader(testCratesCSV), strings.NewReader(testVersionsCSV))
	require.NoError(t, err)
	// The crate_id=99 row references a crate outside the dump and is skipped.
	assert.Equal(t, 5, rows)

	// Lookup picks the latest non-yanked version: 0.11.0 is yanked,
	// 0.10.1 wins over 0.9.0 by creation time.
	info, err := reg.Lookup("exa")
	require.NoError(t, err)
	assert.Equal(t, "exa", info.Name)
	assert.Equal(t, "0.10.1", info.Version)
	assert.Equal(t, "bbbb", info.Checksum)
	assert.Equal(t, int64(500), info.Downloads)
	assert.Equal(t, "ls replacement", info.Description)

	info, err = reg.LookupVersion("exa", "0.9.0")
	require.NoError(t, err)
	assert.Equal(t, "aaaa", info.Checksum)
}

func TestImportDumpIdempotent(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.ImportDump(strings.NewReader(testCratesCSV), strings.NewReader(testVersionsCSV))
	require.NoError(t, err)
	// A fresh dump re-imports over the old one.
	updated := strings.Replace(testCratesCSV, ",500,1,exa,", ",99999,1,exa,", 1)
	_, err = reg.ImportDump(strings.NewReader(updated), strings.NewReader(testVersionsCSV))
	require.NoError(t, err)
	info, err := reg.Lookup("exa")
	require.NoError(t, err)
	assert.Equal(t, int64(99999), info.Downloads)
	assert.Equal(t, "0.10.1", info.Version)
}

func TestLookupNotFound(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.ImportDump(strings.NewReader(testCratesCSV), strings.NewReader(testVersionsCSV))
	require.NoError(t, err)

	_, err = reg.Lookup("no-such-crate")
	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, NotFound, acqErr.Kind)
	assert.False(t, acqErr.Transient())

	_, err = reg.LookupVersion("exa", "9.9.9")
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, NotFound, acqErr.Kind)
}

func TestMostDownloaded(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.ImportDump(strings.NewReader(testCratesCSV), strings.NewReader(testVersionsCSV))
	require.NoError(t, err)

	infos, err := reg.MostDownloaded(2)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "ripgrep", infos[0].Name)
	assert.Equal(t, "13.0.0", infos[0].Version)
	assert.Equal(t, "tokio", infos[1].Name)
	assert.Equal(t, "1.38.0", infos[1].Version)

	infos, err = reg.MostDownloaded(100)
	require.NoError(t, err)
	assert.Len(t, infos, 3)
}

func TestImportDumpBadHeader(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.ImportDump(strings.NewReader("id,name\n"), strings.NewReader(testVersionsCSV))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")

	_, err = reg.ImportDump(strings.NewReader(testCratesCSV), strings.NewReader("id,num\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}
