// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package hash

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestHash(t *testing.T) {
	// Well-known sha256 test vectors.
	tests := []struct {
		data []byte
		want string
	}{
		{nil, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{[]byte("abc"), "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}
	for _, test := range tests {
		sig := Hash(test.data)
		if got := sig.String(); got != test.want {
			t.Errorf("Hash(%q) = %v, want %v", test.data, got, test.want)
		}
	}
}

func TestHashPieces(t *testing.T) {
	// Hashing in pieces must equal hashing the concatenation.
	whole := Hash([]byte("hello, world"))
	pieces := Hash([]byte("hello"), []byte(", "), []byte("world"))
	if whole != pieces {
		t.Fatalf("piecewise hash diverged: %v vs %v", whole.String(), pieces.String())
	}
}

func TestFromReaderMatchesHash(t *testing.T) {
	data := bytes.Repeat([]byte{0x90, 0xc3, 0x55}, 100000)
	want := Hash(data)
	got, err := FromReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("FromReader diverged from Hash: %v vs %v", got.String(), want.String())
	}
}

func TestFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bin")
	data := []byte("\x7fELF fake binary contents")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatal(err)
	}
	got, err := FromFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if want := Hash(data); got != want {
		t.Fatalf("FromFile diverged from Hash: %v vs %v", got.String(), want.String())
	}
	if _, err := FromFile(filepath.Join(t.TempDir(), "nonexistent")); err == nil {
		t.Fatal("FromFile on missing file did not fail")
	}
}

func TestFromString(t *testing.T) {
	sig := Hash([]byte("roundtrip"))
	got, err := FromString(sig.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != sig {
		t.Fatalf("roundtrip diverged: %v vs %v", got.String(), sig.String())
	}
	if _, err := FromString("zz"); err == nil {
		t.Fatal("bad hex did not fail")
	}
	if _, err := FromString("abcd"); err == nil {
		t.Fatal("short sig did not fail")
	}
}
