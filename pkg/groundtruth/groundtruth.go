// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package groundtruth recovers function boundaries from the symbol table of an
// unstripped binary. The record it produces is the label source of truth for
// exported datasets and for scoring boundary-detection backends, so extraction
// is deliberately conservative: only defined function symbols inside the
// executable code section are trusted, and the resulting ranges are normalized
// until they are sorted, non-empty and non-overlapping.
package groundtruth

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// Func is one extracted function: the half-open address range
// [Start, Start+Len) and the symbol name exactly as the binary spells it.
// Mangled names are preserved verbatim, consumers demangle on their own.
type Func struct {
	Start uint64 `json:"start"`
	Len   uint64 `json:"len"`
	Name  string `json:"name"`
}

// End returns the exclusive upper bound of the function range.
func (f Func) End() uint64 {
	return f.Start + f.Len
}

// Record is the ground truth extracted from one unstripped binary.
// Funcs are sorted by start address, starts are unique and ranges do not
// overlap (Validate enforces this). Functions that the optimizer inlined or
// eliminated are absent from the symbol table and therefore absent here,
// which is the correct labeling for the emitted machine code.
type Record struct {
	Funcs []Func `json:"funcs"`
}

// Starts returns the sorted function start addresses.
// This is the address set that backend predictions are scored against.
func (r *Record) Starts() []uint64 {
	starts := make([]uint64, len(r.Funcs))
	for i, fn := range r.Funcs {
		starts[i] = fn.Start
	}
	return starts
}

// Validate checks the record invariants: start addresses strictly increase,
// every length is positive and no range reaches into the next one.
func (r *Record) Validate() error {
	for i, fn := range r.Funcs {
		if fn.Len == 0 {
			return fmt.Errorf("function %q at 0x%x has zero length", fn.Name, fn.Start)
		}
		if fn.End() < fn.Start {
			return fmt.Errorf("function %q at 0x%x overflows address space", fn.Name, fn.Start)
		}
		if i == 0 {
			continue
		}
		prev := r.Funcs[i-1]
		if fn.Start <= prev.Start {
			return fmt.Errorf("function starts not strictly increasing: 0x%x (%q) after 0x%x (%q)",
				fn.Start, fn.Name, prev.Start, prev.Name)
		}
		if prev.End() > fn.Start {
			return fmt.Errorf("function %q [0x%x, 0x%x) overlaps %q at 0x%x",
				prev.Name, prev.Start, prev.End(), fn.Name, fn.Start)
		}
	}
	return nil
}

// ExtractionError means ground truth could not be recovered from a binary.
// An artifact that fails extraction is excluded from the repository, but the
// failure is not fatal to a batch over many artifacts.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func extractionErr(err error, reason string, args ...any) error {
	return &ExtractionError{Reason: fmt.Sprintf(reason, args...), Err: err}
}

// ExtractFile extracts ground truth from the unstripped binary at path.
func ExtractFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Extract(f)
}

// Extract recovers function boundaries from an unstripped ELF binary.
// The boundary of each defined STT_FUNC symbol inside .text is
// [value, value+size); symbols with zero or over-reported size are resolved
// against the next function start (exclusive), the last one against the end
// of the section. Formats other than ELF fail with *ExtractionError.
func Extract(r io.ReaderAt) (*Record, error) {
	file, err := elf.NewFile(r)
	if err != nil {
		return nil, extractionErr(err, "unsupported object format")
	}
	defer file.Close()
	text := file.Section(".text")
	if text == nil {
		return nil, extractionErr(nil, "no .text section in the binary")
	}
	allSymbols, err := file.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, extractionErr(nil, "no symbol table (already stripped?)")
		}
		return nil, extractionErr(err, "corrupt symbol table")
	}
	sectEnd := text.Addr + text.Size
	var funcs []Func
	for _, symb := range allSymbols {
		if elf.ST_TYPE(symb.Info) != elf.STT_FUNC {
			continue
		}
		if symb.Section == elf.SHN_UNDEF {
			// Imported function, its code lives in another object.
			continue
		}
		if symb.Value < text.Addr || symb.Value >= sectEnd {
			continue
		}
		funcs = append(funcs, Func{
			Start: symb.Value,
			Len:   symb.Size,
			Name:  symb.Name,
		})
	}
	sort.Slice(funcs, func(i, j int) bool {
		if funcs[i].Start != funcs[j].Start {
			return funcs[i].Start < funcs[j].Start
		}
		// Aliases at the same address: prefer the symbol that reports
		// a size, then break ties by name to keep the order stable.
		if funcs[i].Len != funcs[j].Len {
			return funcs[i].Len > funcs[j].Len
		}
		return funcs[i].Name < funcs[j].Name
	})
	rec := &Record{}
	for i, fn := range funcs {
		if i > 0 && fn.Start == funcs[i-1].Start {
			continue
		}
		limit := sectEnd
		for j := i + 1; j < len(funcs); j++ {
			if funcs[j].Start > fn.Start {
				limit = funcs[j].Start
				break
			}
		}
		end := fn.Start + fn.Len
		if fn.Len == 0 || end < fn.Start || end > limit {
			// Size is missing, overflows or reaches into the next
			// function: the next start bounds this one.
			end = limit
		}
		fn.Len = end - fn.Start
		rec.Funcs = append(rec.Funcs, fn)
	}
	if err := rec.Validate(); err != nil {
		return nil, extractionErr(err, "extracted record is inconsistent")
	}
	return rec, nil
}

// CodeSection locates the executable code section of an ELF binary and
// returns its virtual address, file offset and size. The exporter uses the
// offset to slice code bytes out of the stripped artifact, the sweep backend
// to map file positions back to addresses.
func CodeSection(file *elf.File) (addr, off, size uint64, err error) {
	text := file.Section(".text")
	if text == nil {
		return 0, 0, 0, extractionErr(nil, "no .text section in the binary")
	}
	if text.Type != elf.SHT_PROGBITS {
		return 0, 0, 0, extractionErr(nil, ".text has no contents in the file (type %v)", text.Type)
	}
	return text.Addr, text.Offset, text.Size, nil
}
