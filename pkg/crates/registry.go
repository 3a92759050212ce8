// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package crates

import (
	"encoding/csv"
	"fmt"
	"io"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ripkit/ripkit/pkg/log"
)

// Registry is a local SQLite index over the crates.io database dump.
// It answers name -> latest version/checksum queries and "most downloaded"
// listings without touching the network.
type Registry struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS crates (
	name TEXT PRIMARY KEY,
	downloads INTEGER NOT NULL DEFAULT 0,
	description TEXT
);

CREATE TABLE IF NOT EXISTS versions (
	crate TEXT NOT NULL,
	num TEXT NOT NULL,
	checksum TEXT NOT NULL,
	yanked INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (crate, num)
);

CREATE INDEX IF NOT EXISTS idx_crates_downloads ON crates(downloads DESC);
CREATE INDEX IF NOT EXISTS idx_versions_crate ON versions(crate);
`

// OpenRegistry opens (creating if needed) the registry index at path.
func OpenRegistry(path string) (*Registry, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate, sqlite.OpenReadWrite, sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry index: %w", err)
	}
	if err := sqlitex.ExecuteScript(conn, registrySchema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to init registry schema: %w", err)
	}
	return &Registry{conn: conn}, nil
}

func (reg *Registry) Close() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.conn.Close()
}

// ImportDump loads the relevant subset of a crates.io db-dump into the index.
// cratesCSV and versionsCSV are the dump's data/crates.csv and
// data/versions.csv. Columns are located by header name, so dump schema
// reshuffles don't break the import. Returns the number of version rows.
func (reg *Registry) ImportDump(cratesCSV, versionsCSV io.Reader) (int, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	endFn, err := sqlitex.ImmediateTransaction(reg.conn)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import transaction: %w", err)
	}
	var rows int
	crateNames, err := reg.importCrates(cratesCSV)
	if err == nil {
		rows, err = reg.importVersions(versionsCSV, crateNames)
	}
	endFn(&err)
	if err != nil {
		return 0, err
	}
	log.Logf(1, "registry: imported %v crates, %v versions", len(crateNames), rows)
	return rows, nil
}

// importCrates returns dump crate id -> name for joining versions.csv.
func (reg *Registry) importCrates(r io.Reader) (map[string]string, error) {
	rd := newDumpReader(r)
	cols, err := rd.header("id", "name", "downloads", "description")
	if err != nil {
		return nil, fmt.Errorf("crates.csv: %w", err)
	}
	stmt, err := reg.conn.Prepare(
		`INSERT INTO crates (name, downloads, description) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET downloads=excluded.downloads, description=excluded.description`)
	if err != nil {
		return nil, err
	}
	defer stmt.Finalize()
	names := make(map[string]string)
	for {
		rec, err := rd.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("crates.csv: %w", err)
		}
		id, name := rec[cols[0]], rec[cols[1]]
		names[id] = name
		stmt.BindText(1, name)
		stmt.BindText(2, rec[cols[2]])
		stmt.BindText(3, rec[cols[3]])
		if _, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("failed to insert crate %v: %w", name, err)
		}
		stmt.Reset()
	}
	return names, nil
}

func (reg *Registry) importVersions(r io.Reader, crateNames map[string]string) (int, error) {
	rd := newDumpReader(r)
	cols, err := rd.header("crate_id", "num", "checksum", "yanked", "created_at")
	if err != nil {
		return 0, fmt.Errorf("versions.csv: %w", err)
	}
	stmt, err := reg.conn.Prepare(
		`INSERT INTO versions (crate, num, checksum, yanked, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(crate, num) DO UPDATE SET checksum=excluded.checksum, yanked=excluded.yanked`)
	if err != nil {
		return 0, err
	}
	defer stmt.Finalize()
	rows := 0
	for {
		rec, err := rd.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("versions.csv: %w", err)
		}
		name := crateNames[rec[cols[0]]]
		if name == "" {
			// Version of a crate outside the imported crates.csv subset.
			continue
		}
		yanked := 0
		if rec[cols[3]] == "t" || rec[cols[3]] == "true" || rec[cols[3]] == "1" {
			yanked = 1
		}
		stmt.BindText(1, name)
		stmt.BindText(2, rec[cols[1]])
		stmt.BindText(3, rec[cols[2]])
		stmt.BindInt64(4, int64(yanked))
		stmt.BindText(5, rec[cols[4]])
		if _, err := stmt.Step(); err != nil {
			return 0, fmt.Errorf("failed to insert version %v-%v: %w", name, rec[cols[1]], err)
		}
		stmt.Reset()
		rows++
	}
	return rows, nil
}

// Lookup resolves a crate name to its latest non-yanked version.
func (reg *Registry) Lookup(name string) (*Info, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var info *Info
	err := sqlitex.ExecuteTransient(reg.conn,
		`SELECT c.name, c.downloads, c.description, v.num, v.checksum
		 FROM crates c JOIN versions v ON v.crate = c.name
		 WHERE c.name = ? AND v.yanked = 0
		 ORDER BY v.created_at DESC, v.num DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				info = scanInfo(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}
	if info == nil {
		pkg := Package{Name: name}
		return nil, acquisitionErr(NotFound, pkg, "crate is not in the registry index")
	}
	return info, nil
}

// LookupVersion resolves one specific crate version.
func (reg *Registry) LookupVersion(name, version string) (*Info, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var info *Info
	err := sqlitex.ExecuteTransient(reg.conn,
		`SELECT c.name, c.downloads, c.description, v.num, v.checksum
		 FROM crates c JOIN versions v ON v.crate = c.name
		 WHERE c.name = ? AND v.num = ?`,
		&sqlitex.ExecOptions{
			Args: []any{name, version},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				info = scanInfo(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}
	if info == nil {
		pkg := Package{Name: name, Version: version}
		return nil, acquisitionErr(NotFound, pkg, "crate version is not in the registry index")
	}
	return info, nil
}

// MostDownloaded returns the n most downloaded crates with their latest
// non-yanked version.
func (reg *Registry) MostDownloaded(n int) ([]*Info, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var infos []*Info
	err := sqlitex.ExecuteTransient(reg.conn,
		`SELECT c.name, c.downloads, c.description, v.num, v.checksum
		 FROM crates c JOIN versions v ON v.crate = c.name
		 WHERE v.yanked = 0
		   AND v.created_at || '/' || v.num = (
		     SELECT MAX(v2.created_at || '/' || v2.num) FROM versions v2
		     WHERE v2.crate = c.name AND v2.yanked = 0)
		 ORDER BY c.downloads DESC, c.name LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				infos = append(infos, scanInfo(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("registry listing failed: %w", err)
	}
	return infos, nil
}

func scanInfo(stmt *sqlite.Stmt) *Info {
	return &Info{
		Name:        stmt.ColumnText(0),
		Downloads:   stmt.ColumnInt64(1),
		Description: stmt.ColumnText(2),
		Version:     stmt.ColumnText(3),
		Checksum:    stmt.ColumnText(4),
	}
}

// dumpReader reads a headered CSV and resolves column names to indexes.
type dumpReader struct {
	csv *csv.Reader
}

func newDumpReader(r io.Reader) *dumpReader {
	rd := csv.NewReader(r)
	rd.ReuseRecord = true
	// The dump quotes readme/description fields that embed newlines.
	rd.LazyQuotes = true
	return &dumpReader{csv: rd}
}

// header reads the header row and returns the index of each wanted column.
func (rd *dumpReader) header(want ...string) ([]int, error) {
	header, err := rd.csv.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make([]int, len(want))
	for i, name := range want {
		cols[i] = -1
		for j, field := range header {
			if field == name {
				cols[i] = j
				break
			}
		}
		if cols[i] == -1 {
			return nil, fmt.Errorf("missing column %q in header %v", name, header)
		}
	}
	return cols, nil
}

func (rd *dumpReader) next() ([]string, error) {
	return rd.csv.Read()
}
