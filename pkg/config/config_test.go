// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"path/filepath"
	"reflect"
	"testing"
)

type testConfig struct {
	Name    string   `json:"name"`
	Count   int      `json:"count"`
	Targets []string `json:"targets"`
}

func TestLoadData(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		output testConfig
		wantOK bool
	}{
		{
			name:   "plain",
			input:  `{"name": "exa", "count": 3}`,
			output: testConfig{Name: "exa", Count: 3},
			wantOK: true,
		},
		{
			name: "comments stripped",
			input: `
# build settings
{
	"name": "ripgrep",
	# the whole line is ignored
	"count": 2,
	"targets": ["x86_64-unknown-linux-gnu"]
}`,
			output: testConfig{
				Name:    "ripgrep",
				Count:   2,
				Targets: []string{"x86_64-unknown-linux-gnu"},
			},
			wantOK: true,
		},
		{
			name:   "unknown field rejected",
			input:  `{"name": "exa", "unknown_knob": true}`,
			wantOK: false,
		},
		{
			name:   "garbage rejected",
			input:  `{"name": `,
			wantOK: false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var cfg testConfig
			err := LoadData([]byte(test.input), &cfg)
			if test.wantOK != (err == nil) {
				t.Fatalf("wantOK=%v, got err: %v", test.wantOK, err)
			}
			if err == nil && !reflect.DeepEqual(cfg, test.output) {
				t.Fatalf("want:\n%#v\ngot:\n%#v", test.output, cfg)
			}
		})
	}
}

func TestSaveLoadFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config")
	want := testConfig{
		Name:    "tokei",
		Count:   7,
		Targets: []string{"x86_64-unknown-linux-gnu", "aarch64-unknown-linux-gnu"},
	}
	if err := SaveFile(file, &want); err != nil {
		t.Fatal(err)
	}
	var got testConfig
	if err := LoadFile(file, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("want:\n%#v\ngot:\n%#v", want, got)
	}
}

func TestLoadFileMissing(t *testing.T) {
	var cfg testConfig
	if err := LoadFile("", &cfg); err == nil {
		t.Fatal("empty file name did not fail")
	}
	if err := LoadFile(filepath.Join(t.TempDir(), "nonexistent"), &cfg); err == nil {
		t.Fatal("missing file did not fail")
	}
}
