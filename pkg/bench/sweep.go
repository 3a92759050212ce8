// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bench

import (
	"context"
	"debug/elf"
	"io"
	"slices"

	"golang.org/x/arch/x86/x86asm"

	"github.com/ripkit/ripkit/pkg/groundtruth"
)

// Sweep is the built-in baseline backend: a linear disassembly sweep over
// the executable section that reports common x86-64 prologue shapes as
// function starts. It needs no external tools and sets the floor that real
// backends have to beat.
type Sweep struct{}

func (Sweep) Name() string {
	return "sweep"
}

func (Sweep) Analyze(ctx context.Context, bin string) ([]uint64, error) {
	file, err := elf.Open(bin)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	addr, _, _, err := groundtruth.CodeSection(file)
	if err != nil {
		return nil, err
	}
	code, err := file.Section(".text").Data()
	if err != nil && err != io.EOF {
		return nil, err
	}
	return sweepStarts(code, addr), nil
}

// sweepStarts decodes code instruction by instruction and records addresses
// where a prologue pattern begins. Undecodable bytes reset the previous
// instruction and the sweep resumes one byte further, so data islands inside
// .text cannot desynchronize the whole scan.
func sweepStarts(code []byte, base uint64) []uint64 {
	found := make(map[uint64]bool)
	offset := 0
	var prev *x86asm.Inst
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			offset++
			prev = nil
			continue
		}
		addr := base + uint64(offset)
		// A fresh function can begin at the start of the section or
		// right after a return.
		boundary := prev == nil || prev.Op == x86asm.RET
		switch {
		case prev != nil && prev.Op == x86asm.PUSH && prev.Args[0] == x86asm.RBP &&
			inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP:
			// Classic frame setup, the function starts at the push.
			found[addr-uint64(prev.Len)] = true
		case boundary && inst.Op == x86asm.PUSH && inst.Args[0] == x86asm.RBP:
			found[addr] = true
		case boundary && inst.Op == x86asm.SUB && inst.Args[0] == x86asm.RSP:
			if imm, ok := inst.Args[1].(x86asm.Imm); ok && imm > 0 {
				found[addr] = true
			}
		case boundary && inst.Op == x86asm.LEA && inst.Args[0] == x86asm.RSP:
			found[addr] = true
		}
		prev = &inst
		offset += inst.Len
	}
	starts := make([]uint64, 0, len(found))
	for addr := range found {
		starts = append(starts, addr)
	}
	slices.Sort(starts)
	return starts
}
