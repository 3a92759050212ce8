// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package crates

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ripkit/ripkit/pkg/hash"
	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/osutil"
)

// DefaultBaseURL is the crates.io static download endpoint.
const DefaultBaseURL = "https://static.crates.io/crates"

// Limit concurrent downloads out of politeness to the registry CDN.
const defaultDownloadParallelism = 4

// Cache is an on-disk cache of unpacked crate source trees.
// Layout: <root>/<name>-<version>/ with the crate contents at the top level.
// Cached trees are treated as immutable: builds copy them into build cells
// and never write back.
type Cache struct {
	// BaseURL can be overridden before first use (tests point it at a stub).
	BaseURL  string
	root     string
	registry *Registry
	client   *http.Client
	group    singleflight.Group
	sem      *osutil.Semaphore
}

// NewCache returns a cache rooted at root. registry may be nil, in which
// case downloads are not checksum-verified (and a warning is logged).
func NewCache(root string, registry *Registry) *Cache {
	return &Cache{
		BaseURL:  DefaultBaseURL,
		root:     root,
		registry: registry,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		sem: osutil.NewSemaphore(defaultDownloadParallelism),
	}
}

// Dir returns the cache directory a package unpacks to.
func (cache *Cache) Dir(pkg Package) string {
	return filepath.Join(cache.root, pkg.String())
}

// Fetch returns the unpacked source tree for pkg, downloading it on a miss.
// Concurrent fetches of the same package share one download. With force set
// the cached tree is discarded and re-fetched.
func (cache *Cache) Fetch(ctx context.Context, pkg Package, force bool) (string, error) {
	if pkg.Name == "" || pkg.Version == "" {
		return "", acquisitionErr(NotFound, pkg, "empty package identifier")
	}
	dir, err, _ := cache.group.Do(pkg.String(), func() (any, error) {
		return cache.fetch(ctx, pkg, force)
	})
	if err != nil {
		return "", err
	}
	return dir.(string), nil
}

func (cache *Cache) fetch(ctx context.Context, pkg Package, force bool) (string, error) {
	dir := cache.Dir(pkg)
	if osutil.IsExist(dir) {
		if !force {
			log.Logf(2, "crates: cache hit for %v", pkg)
			return dir, nil
		}
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("failed to drop cached %v: %w", pkg, err)
		}
	}
	if !cache.sem.WaitCtx(ctx) {
		return "", ctx.Err()
	}
	defer cache.sem.Signal()
	archive, err := cache.download(ctx, pkg)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)
	if err := cache.verify(pkg, archive); err != nil {
		return "", err
	}
	if err := cache.unpack(pkg, archive, dir); err != nil {
		return "", err
	}
	log.Logf(1, "crates: fetched %v", pkg)
	return dir, nil
}

// download fetches the .crate archive (a gzipped tarball) to a temp file.
func (cache *Cache) download(ctx context.Context, pkg Package) (string, error) {
	url := fmt.Sprintf("%v/%v/%v.crate", cache.BaseURL, pkg.Name, pkg.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", acquisitionErr(Network, pkg, "failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "ripkit (github.com/ripkit/ripkit)")
	resp, err := cache.client.Do(req)
	if err != nil {
		return "", acquisitionErr(Network, pkg, "download failed: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		// The CDN serves 403 for crates that never existed.
		return "", acquisitionErr(NotFound, pkg, "no such crate archive (%v)", resp.Status)
	default:
		return "", acquisitionErr(Network, pkg, "unexpected status %v", resp.Status)
	}
	if err := osutil.MkdirAll(cache.root); err != nil {
		return "", fmt.Errorf("failed to create cache root: %w", err)
	}
	tmp, err := os.CreateTemp(cache.root, "."+pkg.String()+".crate")
	if err != nil {
		return "", fmt.Errorf("failed to create archive temp file: %w", err)
	}
	written, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", acquisitionErr(Network, pkg, "download interrupted: %w", err)
	}
	log.Logf(2, "crates: downloaded %v (%v bytes)", pkg, written)
	return tmp.Name(), nil
}

func (cache *Cache) verify(pkg Package, archive string) error {
	if cache.registry == nil {
		log.Logf(1, "crates: no registry index, skipping checksum verification of %v", pkg)
		return nil
	}
	info, err := cache.registry.LookupVersion(pkg.Name, pkg.Version)
	if err != nil {
		return err
	}
	sig, err := hash.FromFile(archive)
	if err != nil {
		return fmt.Errorf("failed to hash archive: %w", err)
	}
	if got := sig.String(); got != info.Checksum {
		return acquisitionErr(Checksum, pkg, "archive sha256 %v, registry says %v", got, info.Checksum)
	}
	return nil
}

// unpack extracts the archive into dir atomically: everything lands in a
// temp dir first and the crate's top-level directory is renamed into place.
func (cache *Cache) unpack(pkg Package, archive, dir string) error {
	tmpDir, err := os.MkdirTemp(filepath.Dir(dir), "."+pkg.String()+".unpack")
	if err != nil {
		return fmt.Errorf("failed to create unpack dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	if err := extractTarGz(archive, tmpDir); err != nil {
		return acquisitionErr(Unpack, pkg, "%w", err)
	}
	// A .crate archive contains a single <name>-<version>/ directory.
	entries, err := osutil.ListDir(tmpDir)
	if err != nil {
		return fmt.Errorf("failed to list unpack dir: %w", err)
	}
	src := tmpDir
	if len(entries) == 1 {
		nested := filepath.Join(tmpDir, entries[0])
		if stat, err := os.Stat(nested); err == nil && stat.IsDir() {
			src = nested
		}
	}
	if !osutil.IsExist(filepath.Join(src, "Cargo.toml")) {
		return acquisitionErr(Unpack, pkg, "archive has no Cargo.toml")
	}
	if err := os.Rename(src, dir); err != nil {
		if osutil.IsExist(dir) {
			// Someone else unpacked it first, use theirs.
			return nil
		}
		return fmt.Errorf("failed to move %v into cache: %w", pkg, err)
	}
	return nil
}

// TreeDigest digests a source tree: relative file paths plus contents, in
// lexical walk order. Timestamps and permissions do not contribute, so the
// digest identifies what the compiler will see. Built artifacts are indexed
// under it to make reruns skip work that the same sources already produced.
func TreeDigest(dir string) (string, error) {
	var pieces [][]byte
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		sig, err := hash.FromFile(path)
		if err != nil {
			return err
		}
		pieces = append(pieces, []byte(filepath.ToSlash(rel)), sig[:])
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to digest %v: %w", dir, err)
	}
	return hash.String(pieces...), nil
}

func extractTarGz(archive, destDir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	gzr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("bad gzip stream: %w", err)
	}
	defer gzr.Close()
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("bad tar stream: %w", err)
		}
		target := filepath.Join(destDir, filepath.FromSlash(header.Name))
		// Reject path traversal out of destDir.
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive escapes unpack dir: %q", header.Name)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := osutil.MkdirAll(target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := osutil.MkdirAll(filepath.Dir(target)); err != nil {
				return err
			}
			mode := os.FileMode(osutil.DefaultFilePerm)
			if header.FileInfo().Mode()&0100 != 0 {
				mode = osutil.DefaultExecPerm
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			// Cap single file size to defuse decompression bombs.
			_, err = io.Copy(out, io.LimitReader(tr, 1<<30))
			if closeErr := out.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return fmt.Errorf("failed to extract %q: %w", header.Name, err)
			}
		default:
			// Crate archives contain only plain files and directories,
			// anything else is dropped.
			log.Logf(2, "crates: skipping tar entry %q of type %v", header.Name, header.Typeflag)
		}
	}
}
