// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package hash computes SHA-256 digests that identify binaries in the repository
// and verify downloaded crate archives.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

type Sig [sha256.Size]byte

func Hash(pieces ...[]byte) Sig {
	h := sha256.New()
	for _, data := range pieces {
		h.Write(data)
	}
	var sig Sig
	copy(sig[:], h.Sum(nil))
	return sig
}

func String(pieces ...[]byte) string {
	sig := Hash(pieces...)
	return sig.String()
}

func (sig *Sig) String() string {
	return hex.EncodeToString((*sig)[:])
}

// FromReader digests everything from r. Binaries can be hundreds of megabytes,
// so callers stream them instead of slurping into memory.
func FromReader(r io.Reader) (Sig, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Sig{}, err
	}
	var sig Sig
	copy(sig[:], h.Sum(nil))
	return sig, nil
}

func FromFile(file string) (Sig, error) {
	f, err := os.Open(file)
	if err != nil {
		return Sig{}, err
	}
	defer f.Close()
	sig, err := FromReader(f)
	if err != nil {
		return Sig{}, fmt.Errorf("failed to hash %v: %w", file, err)
	}
	return sig, nil
}

func FromString(str string) (Sig, error) {
	bin, err := hex.DecodeString(str)
	if err != nil {
		return Sig{}, fmt.Errorf("failed to decode sig '%v': %w", str, err)
	}
	if len(bin) != len(Sig{}) {
		return Sig{}, fmt.Errorf("failed to decode sig '%v': bad len", str)
	}
	var sig Sig
	copy(sig[:], bin)
	return sig, nil
}
