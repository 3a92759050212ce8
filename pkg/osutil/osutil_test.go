// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestRunOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no sh on windows")
	}
	out, err := Run(time.Minute, Command("sh", "-c", "echo hello"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "hello\n"; string(out) != want {
		t.Fatalf("got output %q, want %q", out, want)
	}
}

func TestRunTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no sleep on windows")
	}
	start := time.Now()
	_, err := Run(100*time.Millisecond, Command("sleep", "60"))
	if err == nil {
		t.Fatal("sleep 60 did not fail with timeout")
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatalf("command was not killed on timeout, elapsed %v", elapsed)
	}
	var verbose *VerboseError
	if !errors.As(err, &verbose) {
		t.Fatalf("expected VerboseError, got %T: %v", err, err)
	}
}

func TestRunContextCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no sleep on windows")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := RunContext(ctx, time.Hour, Command("sleep", "60"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatalf("command was not killed on cancellation, elapsed %v", elapsed)
	}
}

func TestRunExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no sh on windows")
	}
	out, err := Run(time.Minute, Command("sh", "-c", "echo some failure; exit 3"))
	if err == nil {
		t.Fatal("command did not fail")
	}
	var verbose *VerboseError
	if !errors.As(err, &verbose) {
		t.Fatalf("expected VerboseError, got %T", err)
	}
	if verbose.ExitCode != 3 {
		t.Fatalf("got exit code %v, want 3", verbose.ExitCode)
	}
	if !bytes.Contains(out, []byte("some failure")) {
		t.Fatalf("output not captured: %q", out)
	}
	if !bytes.Contains([]byte(verbose.Error()), []byte("some failure")) {
		t.Fatalf("error does not include output: %v", verbose)
	}
}

func TestPrependContext(t *testing.T) {
	err := PrependContext("fetching foo", &VerboseError{Title: "http 500"})
	if got, want := err.Error(), "fetching foo: http 500"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	err = PrependContext("outer", errors.New("inner"))
	if got, want := err.Error(), "outer: inner"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "out.bin")
	data := []byte("first version")
	if err := WriteFileAtomic(file, data); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
	// Overwrite must also go through rename.
	data2 := []byte("second version, longer than the first")
	if err := WriteFileAtomic(file, data2); err != nil {
		t.Fatal(err)
	}
	got, err = os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data2) {
		t.Fatalf("got %q, want %q", got, data2)
	}
	entries, err := ListDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	data := []byte("contents")
	if err := os.WriteFile(src, data, 0750); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(src, dst); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
	if runtime.GOOS != "windows" {
		stat, err := os.Stat(dst)
		if err != nil {
			t.Fatal(err)
		}
		if stat.Mode()&os.ModePerm != 0750 {
			t.Fatalf("permissions not preserved: %v", stat.Mode())
		}
	}
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	if s.Available() != 2 {
		t.Fatalf("available %v, want 2", s.Available())
	}
	s.Wait()
	s.Wait()
	if s.Available() != 0 {
		t.Fatalf("available %v, want 0", s.Available())
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if s.WaitCtx(ctx) {
		t.Fatal("WaitCtx succeeded on cancelled context with no units")
	}
	s.Signal()
	if !s.WaitCtx(context.Background()) {
		t.Fatal("WaitCtx failed with an available unit")
	}
}
