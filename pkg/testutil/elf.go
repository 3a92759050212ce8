// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"
)

// ELFSym describes one symbol table entry for BuildELF.
type ELFSym struct {
	Name    string
	Value   uint64
	Size    uint64
	Type    elf.SymType
	Defined bool
}

// ELFSpec describes the synthetic binary BuildELF assembles.
type ELFSpec struct {
	SectionName string // code section name, ".text" if empty
	Addr        uint64 // code section virtual address
	Text        []byte // code section contents
	Stripped    bool   // omit the symbol table
	Syms        []ELFSym
}

// ELFTextOff is the file offset of the code section in BuildELF output,
// the section follows the ELF header directly.
const ELFTextOff = 64

// BuildELF assembles a minimal ELF64 executable in memory: one code section,
// optionally a symbol table and nothing else. The result parses with
// debug/elf, it is not runnable.
func BuildELF(t *testing.T, spec ELFSpec) []byte {
	t.Helper()
	sectionName := spec.SectionName
	if sectionName == "" {
		sectionName = ".text"
	}
	shstr := newStrtab()
	textNameOff := shstr.add(sectionName)
	var symtabNameOff, strtabNameOff uint32
	if !spec.Stripped {
		symtabNameOff = shstr.add(".symtab")
		strtabNameOff = shstr.add(".strtab")
	}
	shstrtabNameOff := shstr.add(".shstrtab")

	str := newStrtab()
	symtab := new(bytes.Buffer)
	write(t, symtab, elf.Sym64{})
	for _, s := range spec.Syms {
		shndx := uint16(elf.SHN_UNDEF)
		if s.Defined {
			shndx = 1
		}
		write(t, symtab, elf.Sym64{
			Name:  str.add(s.Name),
			Info:  byte(elf.STB_GLOBAL)<<4 | byte(s.Type),
			Shndx: shndx,
			Value: s.Value,
			Size:  s.Size,
		})
	}

	textSize := uint64(len(spec.Text))
	textOff := uint64(ELFTextOff)
	symOff := textOff + textSize
	strOff := symOff + uint64(symtab.Len())
	shstrOff := strOff + uint64(len(str.buf))
	shoff := (shstrOff + uint64(len(shstr.buf)) + 7) &^ 7

	sections := []elf.Section64{
		{},
		{
			Name: textNameOff, Type: uint32(elf.SHT_PROGBITS),
			Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr:  spec.Addr, Off: textOff, Size: textSize, Addralign: 16,
		},
	}
	if !spec.Stripped {
		sections = append(sections,
			elf.Section64{
				Name: symtabNameOff, Type: uint32(elf.SHT_SYMTAB),
				Off: symOff, Size: uint64(symtab.Len()),
				Link: 3, Info: 1, Addralign: 8, Entsize: 24,
			},
			elf.Section64{
				Name: strtabNameOff, Type: uint32(elf.SHT_STRTAB),
				Off: strOff, Size: uint64(len(str.buf)), Addralign: 1,
			},
		)
	}
	sections = append(sections, elf.Section64{
		Name: shstrtabNameOff, Type: uint32(elf.SHT_STRTAB),
		Off: shstrOff, Size: uint64(len(shstr.buf)), Addralign: 1,
	})

	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := new(bytes.Buffer)
	write(t, buf, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     spec.Addr,
		Shoff:     shoff,
		Ehsize:    ELFTextOff,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	})
	buf.Write(spec.Text)
	buf.Write(symtab.Bytes())
	buf.Write(str.buf)
	buf.Write(shstr.buf)
	for uint64(buf.Len()) < shoff {
		buf.WriteByte(0)
	}
	write(t, buf, sections)
	return buf.Bytes()
}

type strtab struct {
	buf []byte
}

func newStrtab() *strtab {
	return &strtab{buf: []byte{0}}
}

func (st *strtab) add(s string) uint32 {
	off := uint32(len(st.buf))
	st.buf = append(st.buf, s...)
	st.buf = append(st.buf, 0)
	return off
}

func write(t *testing.T, w io.Writer, data any) {
	t.Helper()
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		t.Fatal(err)
	}
}
