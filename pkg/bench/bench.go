// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package bench runs external function-boundary detection backends against
// repository entries and scores their predictions against the stored ground
// truth. Backends are adapters around reverse engineering tools (plus a
// built-in linear-sweep baseline); their failures are recorded per entry so
// that a benchmark over thousands of binaries always runs to completion.
package bench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ripkit/ripkit/pkg/hash"
	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/osutil"
	"github.com/ripkit/ripkit/pkg/ripbin"
)

// Backend recovers function start addresses from a stripped executable.
type Backend interface {
	Name() string
	Analyze(ctx context.Context, bin string) ([]uint64, error)
}

// BackendFailure describes one failed backend invocation.
type BackendFailure struct {
	Backend string
	Digest  string
	Err     error
}

func (err *BackendFailure) Error() string {
	return fmt.Sprintf("backend %v failed on %v: %v", err.Backend, err.Digest, err.Err)
}

func (err *BackendFailure) Unwrap() error {
	return err.Err
}

// Run benchmarks one backend against one repository entry: the stripped
// executable is materialized in a scratch directory, analyzed, scored
// against the entry's ground truth with the given tolerance, and the
// outcome is stored as a prediction record. Backend failures are recorded
// in the prediction rather than returned, only repository access errors
// abort the run.
func Run(repo *ripbin.Repo, backend Backend, sig hash.Sig, tol uint64,
	timeout time.Duration) (*ripbin.Prediction, error) {
	entry, err := repo.Get(sig)
	if err != nil {
		return nil, err
	}
	bin, err := repo.Stripped(sig)
	if err != nil {
		return nil, err
	}
	tmpDir, err := os.MkdirTemp("", "ripkit-bench")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)
	// The tool gets a private copy: IDA drops database files next to its
	// input and nothing may touch the repository entry itself.
	scratch := filepath.Join(tmpDir, entry.Name)
	if err := osutil.CopyFile(bin, scratch); err != nil {
		return nil, err
	}
	ctx := context.Background()
	if timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	pred := &ripbin.Prediction{
		Backend:   backend.Name(),
		CreatedAt: time.Now(),
	}
	starts, err := backend.Analyze(ctx, scratch)
	if err != nil {
		failure := &BackendFailure{Backend: backend.Name(), Digest: entry.Digest, Err: err}
		log.Logf(0, "%v", failure)
		pred.Failure = err.Error()
	} else {
		pred.Boundaries = starts
		pred.Metrics = Score(entry.GroundTruth, starts, tol)
	}
	if err := repo.PutPrediction(sig, pred); err != nil {
		return nil, err
	}
	return pred, nil
}
