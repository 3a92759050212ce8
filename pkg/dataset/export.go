// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/osutil"
	"github.com/ripkit/ripkit/pkg/ripbin"
)

// Format selects the feature encoding of an export.
type Format int

const (
	// FormatBytes writes the raw code section, one feature and one label
	// byte per code byte.
	FormatBytes Format = 1
	// FormatChunked writes the code section as fixed-size chunks (the last
	// one zero-padded), one label byte per chunk.
	FormatChunked Format = 2
)

// ChunkSize is the chunk width of FormatChunked.
const ChunkSize = 16

// Label values in .lbl files.
const (
	LabelNonCode  = 0
	LabelStart    = 1
	LabelInterior = 2
)

func (format Format) String() string {
	switch format {
	case FormatBytes:
		return "bytes"
	case FormatChunked:
		return "chunked"
	}
	return fmt.Sprintf("Format(%v)", int(format))
}

func ParseFormat(str string) (Format, error) {
	switch str {
	case "bytes", "1":
		return FormatBytes, nil
	case "chunked", "2":
		return FormatChunked, nil
	}
	return 0, fmt.Errorf("unknown dataset format %q (want bytes or chunked)", str)
}

// Manifest describes one export. It deliberately carries no timestamps:
// exporting an unchanged repository with the same filter twice produces
// byte-identical output.
type Manifest struct {
	FormatVersion int      `json:"format_version"`
	Filter        Filter   `json:"filter"`
	Digests       []string `json:"digests"`
}

const ManifestFile = "manifest.json"

// LoadManifest reads back a manifest written by Export.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	manifest := new(Manifest)
	if err := json.Unmarshal(data, manifest); err != nil {
		return nil, fmt.Errorf("corrupt manifest: %w", err)
	}
	return manifest, nil
}

// Export writes one <digest>.feat/<digest>.lbl pair per selected entry plus
// a manifest into outDir, which must not exist yet. Entries that cannot be
// encoded are skipped and returned as ExportErrors, only output I/O aborts
// the export.
func Export(repo *ripbin.Repo, filter Filter, format Format, outDir string) (*Manifest, []*ExportError, error) {
	if format != FormatBytes && format != FormatChunked {
		return nil, nil, fmt.Errorf("unknown dataset format %v", int(format))
	}
	if osutil.IsExist(outDir) {
		return nil, nil, fmt.Errorf("output directory %v already exists", outDir)
	}
	items, bad, err := selectItems(repo, filter)
	if err != nil {
		return nil, nil, err
	}
	if err := osutil.MkdirAll(outDir); err != nil {
		return nil, nil, err
	}
	manifest := &Manifest{
		FormatVersion: int(format),
		Filter:        filter,
		Digests:       []string{},
	}
	for _, it := range items {
		feat, lbl, err := encodeItem(it, format)
		if err != nil {
			bad = append(bad, &ExportError{Digest: it.entry.Digest, Err: err})
			log.Logf(1, "skipping %v: %v", it.entry.Digest, err)
			continue
		}
		if err := osutil.WriteFile(filepath.Join(outDir, it.entry.Digest+".feat"), feat); err != nil {
			return nil, bad, err
		}
		if err := osutil.WriteFile(filepath.Join(outDir, it.entry.Digest+".lbl"), lbl); err != nil {
			return nil, bad, err
		}
		manifest.Digests = append(manifest.Digests, it.entry.Digest)
	}
	data, err := json.MarshalIndent(manifest, "", "\t")
	if err != nil {
		return nil, bad, err
	}
	if err := osutil.WriteFile(filepath.Join(outDir, ManifestFile), data); err != nil {
		return nil, bad, err
	}
	return manifest, bad, nil
}

// encodeItem reads the code section and derives the feature and label
// arrays. Labels mark each code byte (or chunk) as a function start, a
// function interior or bytes outside of any function.
func encodeItem(it *item, format Format) (feat, lbl []byte, err error) {
	data, err := os.ReadFile(it.bin)
	if err != nil {
		return nil, nil, err
	}
	if it.off+it.size > uint64(len(data)) {
		return nil, nil, fmt.Errorf("code section [0x%x, 0x%x) reaches past the end of the file (%v bytes)",
			it.off, it.off+it.size, len(data))
	}
	code := data[it.off : it.off+it.size]
	labels := make([]byte, len(code))
	for _, fn := range it.entry.GroundTruth.Funcs {
		if fn.Start < it.addr || fn.End() > it.addr+it.size {
			return nil, nil, fmt.Errorf("function %q [0x%x, 0x%x) is outside the code section",
				fn.Name, fn.Start, fn.End())
		}
		start := fn.Start - it.addr
		labels[start] = LabelStart
		for i := start + 1; i < start+fn.Len; i++ {
			labels[i] = LabelInterior
		}
	}
	if format == FormatBytes {
		return code, labels, nil
	}
	return chunkCode(code), chunkLabels(labels), nil
}

func chunkCode(code []byte) []byte {
	n := (len(code) + ChunkSize - 1) / ChunkSize
	feat := make([]byte, n*ChunkSize)
	copy(feat, code)
	return feat
}

// chunkLabels folds per-byte labels into one per chunk: a chunk holding a
// function start is a start chunk, a chunk merely covered by function bytes
// is interior, the rest is non-code.
func chunkLabels(labels []byte) []byte {
	n := (len(labels) + ChunkSize - 1) / ChunkSize
	out := make([]byte, n)
	for i := range out {
		end := min((i+1)*ChunkSize, len(labels))
		lbl := byte(LabelNonCode)
		for _, b := range labels[i*ChunkSize : end] {
			if b == LabelStart {
				lbl = LabelStart
				break
			}
			if b == LabelInterior {
				lbl = LabelInterior
			}
		}
		out[i] = lbl
	}
	return out
}
