// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"fmt"
	"strings"
)

// ListFlag allows passing a comma-separated list of values to a single flag:
//
//	-targets=x86_64-unknown-linux-gnu,aarch64-unknown-linux-gnu
type ListFlag []string

func (list *ListFlag) String() string {
	return strings.Join(*list, ",")
}

func (list *ListFlag) Set(value string) error {
	if len(*list) > 0 {
		return fmt.Errorf("flag was already set")
	}
	for _, elem := range strings.Split(value, ",") {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			continue
		}
		*list = append(*list, elem)
	}
	return nil
}
