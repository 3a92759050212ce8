// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bench

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripkit/ripkit/pkg/testutil"
)

// prologueCode lays out three functions with distinct prologue shapes plus
// a decoy push rbp in the middle of the first one.
func prologueCode() []byte {
	return []byte{
		0x55,             // 0: push rbp
		0x48, 0x89, 0xe5, // 1: mov rbp, rsp
		0x55,       // 4: push rbp (mid-function, not a start)
		0x31, 0xc0, // 5: xor eax, eax
		0xc3,                   // 7: ret
		0x48, 0x83, 0xec, 0x20, // 8: sub rsp, 0x20
		0x90,             // 12: nop
		0xc3,             // 13: ret
		0x55,             // 14: push rbp
		0x48, 0x89, 0xe5, // 15: mov rbp, rsp
		0xc3, // 18: ret
	}
}

func TestSweepStarts(t *testing.T) {
	const base = 0x1000
	starts := sweepStarts(prologueCode(), base)
	assert.Equal(t, []uint64{base + 0, base + 8, base + 14}, starts)
}

func TestSweepGarbage(t *testing.T) {
	// Undecodable padding must not suppress the function after it.
	// 0x06 is not a valid opcode in 64-bit mode.
	code := append([]byte{0x06, 0x06, 0x06}, prologueCode()...)
	starts := sweepStarts(code, 0)
	assert.Equal(t, []uint64{3, 11, 17}, starts)
}

func TestSweepAnalyze(t *testing.T) {
	data := testutil.BuildELF(t, testutil.ELFSpec{
		Addr:     0x401000,
		Text:     prologueCode(),
		Stripped: true,
	})
	bin := filepath.Join(t.TempDir(), "stripped")
	require.NoError(t, os.WriteFile(bin, data, 0755))
	starts, err := Sweep{}.Analyze(context.Background(), bin)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x401000, 0x401008, 0x40100e}, starts)
}

func TestSweepNotELF(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "bogus")
	require.NoError(t, os.WriteFile(bin, []byte("just text"), 0644))
	_, err := Sweep{}.Analyze(context.Background(), bin)
	assert.Error(t, err)
}
