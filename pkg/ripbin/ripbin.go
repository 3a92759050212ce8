// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ripbin implements the content-addressed binary repository.
// Entries are keyed by the SHA-256 of the stripped binary's bytes, which is
// always recomputed, never trusted from the caller. Each entry holds the
// stripped binary (the analysis target), the xz-compressed unstripped
// original (provenance), the ground-truth record with build metadata, the
// build log and per-backend prediction records. Entries are written to a
// temp directory and renamed into place, so a crash mid-write never leaves
// a partial entry visible. A flat key-value index keyed by build coordinates
// makes "was this cell already built?" an O(1) lookup.
package ripbin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/ripkit/ripkit/pkg/build"
	"github.com/ripkit/ripkit/pkg/crates"
	"github.com/ripkit/ripkit/pkg/groundtruth"
	"github.com/ripkit/ripkit/pkg/hash"
	"github.com/ripkit/ripkit/pkg/osutil"
)

// ErrNotFound is returned when no entry exists for a digest.
var ErrNotFound = errors.New("no repository entry with this digest")

// entryFormatVersion is recorded in every entry.json and bumped when the
// entry layout changes.
const entryFormatVersion = 1

const (
	binFile        = "bin"
	unstrippedFile = "unstripped.xz"
	entryFile      = "entry.json"
	logFile        = "build.log"
	predictionsDir = "predictions"
)

// Entry is the persisted metadata of one stored binary.
// When different build cells produce byte-identical binaries they collapse
// onto one entry keyed by the shared digest; the entry keeps the metadata of
// the first writer and the index records every cell that produced it.
type Entry struct {
	FormatVersion int                 `json:"format_version"`
	Digest        string              `json:"digest"`
	Package       crates.Package      `json:"package"`
	Spec          build.Spec          `json:"spec"`
	Name          string              `json:"name"`
	SourceDigest  string              `json:"source_digest"`
	CommandLine   string              `json:"command_line"`
	GroundTruth   *groundtruth.Record `json:"ground_truth"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Metrics is the exact-start scoring of a prediction against ground truth.
type Metrics struct {
	TruePos   int     `json:"true_pos"`
	FalsePos  int     `json:"false_pos"`
	FalseNeg  int     `json:"false_neg"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Prediction is one backend's boundary prediction for one binary, scored
// against the stored ground truth. A backend that failed on the binary is
// recorded with Failure set and no boundaries, so that sweeps over many
// binaries keep an audit trail of what did not run.
type Prediction struct {
	Backend    string    `json:"backend"`
	Boundaries []uint64  `json:"boundaries,omitempty"`
	Metrics    *Metrics  `json:"metrics,omitempty"`
	Failure    string    `json:"failure,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WriteError means an entry could not be persisted. The store guarantees
// that no partial entry is visible after the failure.
type WriteError struct {
	Digest string
	Err    error
}

func (err *WriteError) Error() string {
	return fmt.Sprintf("repository write of %v: %v", err.Digest, err.Err)
}

func (err *WriteError) Unwrap() error {
	return err.Err
}

// Repo is an open binary repository.
type Repo struct {
	root string

	mu    sync.Mutex
	index *Index
}

// Open opens (creating if needed) the repository at root.
func Open(root string) (*Repo, error) {
	if err := osutil.MkdirAll(filepath.Join(root, "entries")); err != nil {
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}
	index, err := OpenIndex(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open build index: %w", err)
	}
	return &Repo{root: root, index: index}, nil
}

// Close flushes the build index.
func (repo *Repo) Close() error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	return repo.index.Flush()
}

func (repo *Repo) entriesDir() string {
	return filepath.Join(repo.root, "entries")
}

func (repo *Repo) entryDir(digest string) string {
	return filepath.Join(repo.entriesDir(), digest[:2], digest)
}

// Put stores a built artifact with its ground-truth record and returns the
// digest of the stripped bytes. If the digest already exists the artifact
// bytes are not rewritten, but the build cell is still added to the index,
// so that a later run knows this cell is done. Concurrent puts of the same
// digest are safe: the first rename wins, the rest are no-ops.
func (repo *Repo) Put(artifact *build.Artifact, record *groundtruth.Record, srcDigest string) (hash.Sig, error) {
	if record == nil {
		return hash.Sig{}, fmt.Errorf("refusing to store %v without ground truth", artifact.Name)
	}
	if err := record.Validate(); err != nil {
		return hash.Sig{}, fmt.Errorf("refusing to store %v: %w", artifact.Name, err)
	}
	data, err := os.ReadFile(artifact.Stripped)
	if err != nil {
		return hash.Sig{}, fmt.Errorf("failed to read stripped binary: %w", err)
	}
	sig := hash.Hash(data)
	digest := sig.String()
	if !osutil.IsExist(repo.entryDir(digest)) {
		if err := repo.writeEntry(digest, data, artifact, record, srcDigest); err != nil {
			return hash.Sig{}, &WriteError{Digest: digest, Err: err}
		}
	}
	if err := repo.indexArtifact(artifact, srcDigest, digest); err != nil {
		return hash.Sig{}, err
	}
	return sig, nil
}

func (repo *Repo) writeEntry(digest string, stripped []byte, artifact *build.Artifact,
	record *groundtruth.Record, srcDigest string) error {
	dir := repo.entryDir(digest)
	parent := filepath.Dir(dir)
	if err := osutil.MkdirAll(parent); err != nil {
		return err
	}
	tmpDir, err := os.MkdirTemp(parent, "."+digest[:8]+".put")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)
	entry := &Entry{
		FormatVersion: entryFormatVersion,
		Digest:        digest,
		Package:       artifact.Package,
		Spec:          artifact.Spec,
		Name:          artifact.Name,
		SourceDigest:  srcDigest,
		CommandLine:   artifact.CommandLine,
		GroundTruth:   record,
		CreatedAt:     time.Now().UTC(),
	}
	meta, err := json.MarshalIndent(entry, "", "\t")
	if err != nil {
		return err
	}
	if err := osutil.WriteFile(filepath.Join(tmpDir, binFile), stripped); err != nil {
		return err
	}
	if err := compressFile(artifact.Unstripped, filepath.Join(tmpDir, unstrippedFile)); err != nil {
		return err
	}
	if err := osutil.WriteFile(filepath.Join(tmpDir, entryFile), meta); err != nil {
		return err
	}
	if err := osutil.WriteFile(filepath.Join(tmpDir, logFile), artifact.Log); err != nil {
		return err
	}
	if err := os.Rename(tmpDir, dir); err != nil {
		if osutil.IsExist(dir) {
			// A concurrent put of the same digest won the rename.
			return nil
		}
		return err
	}
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, osutil.DefaultFilePerm)
	if err != nil {
		return err
	}
	w, err := xz.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	_, err = io.Copy(w, in)
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Get returns the entry stored under sig or ErrNotFound.
func (repo *Repo) Get(sig hash.Sig) (*Entry, error) {
	digest := sig.String()
	data, err := os.ReadFile(filepath.Join(repo.entryDir(digest), entryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry := new(Entry)
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("corrupt entry %v: %w", digest, err)
	}
	if entry.Digest != digest {
		return nil, fmt.Errorf("corrupt entry %v: metadata claims digest %v", digest, entry.Digest)
	}
	return entry, nil
}

// Stripped returns the path of the stored stripped binary.
// The file is part of the repository and must be treated as read-only.
func (repo *Repo) Stripped(sig hash.Sig) (string, error) {
	path := filepath.Join(repo.entryDir(sig.String()), binFile)
	if !osutil.IsExist(path) {
		return "", ErrNotFound
	}
	return path, nil
}

// Unstripped decompresses and returns the bytes of the unstripped original.
func (repo *Repo) Unstripped(sig hash.Sig) ([]byte, error) {
	f, err := os.Open(filepath.Join(repo.entryDir(sig.String()), unstrippedFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()
	r, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("corrupt unstripped archive %v: %w", sig.String(), err)
	}
	return io.ReadAll(r)
}

// BuildLog returns the stored build log.
func (repo *Repo) BuildLog(sig hash.Sig) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(repo.entryDir(sig.String()), logFile))
	if err != nil && os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete removes the entry stored under sig, its prediction records included,
// and drops the digest from every build index record that references it.
// Index records left without digests are deleted, so the corresponding cells
// will be rebuilt by the next batch run.
func (repo *Repo) Delete(sig hash.Sig) error {
	digest := sig.String()
	dir := repo.entryDir(digest)
	if !osutil.IsExist(dir) {
		return ErrNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	repo.pruneIndex(func(have string) bool { return have != digest })
	return repo.index.Flush()
}

// Scan calls fn for every entry in digest order and stops early when fn
// returns false. The order is deterministic for an unchanged repository.
func (repo *Repo) Scan(fn func(*Entry) bool) error {
	prefixes, err := osutil.ListDir(repo.entriesDir())
	if err != nil {
		return err
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		if strings.HasPrefix(prefix, ".") {
			continue
		}
		digests, err := osutil.ListDir(filepath.Join(repo.entriesDir(), prefix))
		if err != nil {
			return err
		}
		sort.Strings(digests)
		for _, digest := range digests {
			if strings.HasPrefix(digest, ".") {
				// An unpacked put that lost the rename race or crashed.
				continue
			}
			sig, err := hash.FromString(digest)
			if err != nil {
				return fmt.Errorf("foreign directory %v in the repository: %w", digest, err)
			}
			entry, err := repo.Get(sig)
			if err != nil {
				return err
			}
			if !fn(entry) {
				return nil
			}
		}
	}
	return nil
}

// Corruption describes one damaged repository entry found by Verify.
type Corruption struct {
	Digest string
	Reason string
}

// Verify sweeps the repository recomputing the digest of every stored binary
// and checking entry metadata. It reports all damaged entries instead of
// stopping at the first, I/O errors listing the store are fatal.
func (repo *Repo) Verify() ([]Corruption, error) {
	var bad []Corruption
	report := func(digest, format string, args ...any) {
		bad = append(bad, Corruption{Digest: digest, Reason: fmt.Sprintf(format, args...)})
	}
	prefixes, err := osutil.ListDir(repo.entriesDir())
	if err != nil {
		return nil, err
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		if strings.HasPrefix(prefix, ".") {
			continue
		}
		digests, err := osutil.ListDir(filepath.Join(repo.entriesDir(), prefix))
		if err != nil {
			return nil, err
		}
		sort.Strings(digests)
		for _, digest := range digests {
			if strings.HasPrefix(digest, ".") {
				continue
			}
			repo.verifyEntry(digest, report)
		}
	}
	return bad, nil
}

func (repo *Repo) verifyEntry(digest string, report func(digest, format string, args ...any)) {
	dir := repo.entryDir(digest)
	sig, err := hash.FromString(digest)
	if err != nil {
		report(digest, "not a digest-keyed directory: %v", err)
		return
	}
	recomputed, err := hash.FromFile(filepath.Join(dir, binFile))
	if err != nil {
		report(digest, "unreadable binary: %v", err)
	} else if recomputed != sig {
		report(digest, "binary bytes hash to %v", recomputed.String())
	}
	data, err := os.ReadFile(filepath.Join(dir, entryFile))
	if err != nil {
		report(digest, "unreadable metadata: %v", err)
		return
	}
	entry := new(Entry)
	if err := json.Unmarshal(data, entry); err != nil {
		report(digest, "corrupt metadata: %v", err)
		return
	}
	if entry.Digest != digest {
		report(digest, "metadata claims digest %v", entry.Digest)
	}
	if entry.GroundTruth == nil {
		report(digest, "no ground truth record")
	} else if err := entry.GroundTruth.Validate(); err != nil {
		report(digest, "invalid ground truth: %v", err)
	}
	if !osutil.IsExist(filepath.Join(dir, unstrippedFile)) {
		report(digest, "missing unstripped original")
	}
}

// GCStats reports what a garbage collection pass removed.
type GCStats struct {
	TempDirs int // scratch directories abandoned by crashed puts
	Records  int // build index records dropped entirely
	Digests  int // digest references pruned from surviving index records
}

// GC removes scratch directories abandoned by crashed puts and prunes build
// index records that reference digests no longer present in the store.
// It must not run concurrently with puts: an in-flight put's scratch
// directory is indistinguishable from an abandoned one.
func (repo *Repo) GC() (GCStats, error) {
	var stats GCStats
	exists := make(map[string]bool)
	prefixes, err := osutil.ListDir(repo.entriesDir())
	if err != nil {
		return stats, err
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(prefix, ".") {
			continue
		}
		dir := filepath.Join(repo.entriesDir(), prefix)
		digests, err := osutil.ListDir(dir)
		if err != nil {
			return stats, err
		}
		for _, digest := range digests {
			if strings.HasPrefix(digest, ".") {
				if err := os.RemoveAll(filepath.Join(dir, digest)); err != nil {
					return stats, err
				}
				stats.TempDirs++
				continue
			}
			exists[digest] = true
		}
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	stats.Records, stats.Digests = repo.pruneIndex(func(digest string) bool { return exists[digest] })
	return stats, repo.index.Flush()
}

// IndexKey is the build index key of one build cell.
func IndexKey(pkg crates.Package, srcDigest string, spec build.Spec) string {
	return hash.String([]byte(pkg.Name), []byte(pkg.Version), []byte(srcDigest), []byte(spec.ID()))
}

type indexValue struct {
	Digests []string `json:"digests"`
}

func (repo *Repo) indexArtifact(artifact *build.Artifact, srcDigest, digest string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	key := IndexKey(artifact.Package, srcDigest, artifact.Spec)
	var val indexValue
	if old, ok := repo.index.Records[key]; ok {
		if err := json.Unmarshal(old, &val); err != nil {
			return fmt.Errorf("corrupt index record for %v: %w", artifact.Package, err)
		}
	}
	for _, have := range val.Digests {
		if have == digest {
			return nil
		}
	}
	val.Digests = append(val.Digests, digest)
	sort.Strings(val.Digests)
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	repo.index.Save(key, data)
	return repo.index.Flush()
}

// pruneIndex drops digest references for which keep returns false and deletes
// records left empty (or unparseable). Caller must hold repo.mu.
func (repo *Repo) pruneIndex(keep func(digest string) bool) (records, digests int) {
	for key, data := range repo.index.Records {
		var val indexValue
		if err := json.Unmarshal(data, &val); err != nil {
			repo.index.Delete(key)
			records++
			continue
		}
		kept := val.Digests[:0]
		for _, digest := range val.Digests {
			if keep(digest) {
				kept = append(kept, digest)
			} else {
				digests++
			}
		}
		if len(kept) == len(val.Digests) {
			continue
		}
		if len(kept) == 0 {
			repo.index.Delete(key)
			records++
			continue
		}
		val.Digests = kept
		data, err := json.Marshal(val)
		if err != nil {
			panic(err)
		}
		repo.index.Save(key, data)
	}
	return
}

// FindBuilt returns the digests already stored for this build cell.
// An empty result means the cell was never built (or never stored) and a
// batch run must build it.
func (repo *Repo) FindBuilt(pkg crates.Package, srcDigest string, spec build.Spec) []string {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	data, ok := repo.index.Records[IndexKey(pkg, srcDigest, spec)]
	if !ok {
		return nil
	}
	var val indexValue
	if err := json.Unmarshal(data, &val); err != nil {
		return nil
	}
	return val.Digests
}

// PutPrediction stores one backend's prediction record for an entry,
// overwriting only that backend's previous record.
func (repo *Repo) PutPrediction(sig hash.Sig, pred *Prediction) error {
	if pred.Backend == "" {
		return fmt.Errorf("prediction has no backend identifier")
	}
	digest := sig.String()
	if !osutil.IsExist(repo.entryDir(digest)) {
		return ErrNotFound
	}
	dir := filepath.Join(repo.entryDir(digest), predictionsDir)
	if err := osutil.MkdirAll(dir); err != nil {
		return &WriteError{Digest: digest, Err: err}
	}
	data, err := json.MarshalIndent(pred, "", "\t")
	if err != nil {
		return err
	}
	if err := osutil.WriteFileAtomic(filepath.Join(dir, pred.Backend+".json"), data); err != nil {
		return &WriteError{Digest: digest, Err: err}
	}
	return nil
}

// Predictions returns all stored prediction records for an entry, sorted by
// backend name.
func (repo *Repo) Predictions(sig hash.Sig) ([]*Prediction, error) {
	digest := sig.String()
	if !osutil.IsExist(repo.entryDir(digest)) {
		return nil, ErrNotFound
	}
	dir := filepath.Join(repo.entryDir(digest), predictionsDir)
	files, err := osutil.ListDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(files)
	var preds []*Prediction
	for _, file := range files {
		if !strings.HasSuffix(file, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, err
		}
		pred := new(Prediction)
		if err := json.Unmarshal(data, pred); err != nil {
			return nil, fmt.Errorf("corrupt prediction %v/%v: %w", digest, file, err)
		}
		preds = append(preds, pred)
	}
	return preds, nil
}
