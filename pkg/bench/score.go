// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bench

import (
	"slices"
	"sort"

	"github.com/ripkit/ripkit/pkg/groundtruth"
	"github.com/ripkit/ripkit/pkg/ripbin"
)

// Score matches predicted function starts against the ground truth starts.
// A prediction within tol bytes of a true start counts as a hit, and each
// true start absorbs at most one prediction (both sequences are walked in
// address order). tol = 0 demands exact addresses.
func Score(gt *groundtruth.Record, pred []uint64, tol uint64) *ripbin.Metrics {
	starts := gt.Starts()
	pred = slices.Clone(pred)
	slices.Sort(pred)
	pred = slices.Compact(pred)
	tp := 0
	for i, j := 0, 0; i < len(starts) && j < len(pred); {
		switch {
		case within(starts[i], pred[j], tol):
			tp++
			i++
			j++
		case pred[j] < starts[i]:
			j++
		default:
			i++
		}
	}
	m := &ripbin.Metrics{
		TruePos:  tp,
		FalsePos: len(pred) - tp,
		FalseNeg: len(starts) - tp,
	}
	fillRatios(m)
	return m
}

// Aggregate micro-averages per-entry metrics: the counts are summed and the
// ratios recomputed from the totals, so a binary weighs proportionally to
// its function count. Nil entries (failed backends) are skipped.
func Aggregate(ms []*ripbin.Metrics) *ripbin.Metrics {
	total := new(ripbin.Metrics)
	for _, m := range ms {
		if m == nil {
			continue
		}
		total.TruePos += m.TruePos
		total.FalsePos += m.FalsePos
		total.FalseNeg += m.FalseNeg
	}
	fillRatios(total)
	return total
}

func fillRatios(m *ripbin.Metrics) {
	if m.TruePos+m.FalsePos != 0 {
		m.Precision = float64(m.TruePos) / float64(m.TruePos+m.FalsePos)
	}
	if m.TruePos+m.FalseNeg != 0 {
		m.Recall = float64(m.TruePos) / float64(m.TruePos+m.FalseNeg)
	}
	if m.Precision+m.Recall != 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
}

func within(a, b, tol uint64) bool {
	if a > b {
		a, b = b, a
	}
	return b-a <= tol
}

// StartDistances returns, for every predicted start, the signed distance in
// bytes to the nearest true start (positive when the prediction lies past
// it). The distribution of these values shows whether a backend tends to
// cut functions early or late.
func StartDistances(gt *groundtruth.Record, pred []uint64) []int64 {
	starts := gt.Starts()
	if len(starts) == 0 {
		return nil
	}
	dist := make([]int64, len(pred))
	for i, p := range pred {
		dist[i] = nearest(starts, p)
	}
	return dist
}

func nearest(starts []uint64, p uint64) int64 {
	i := sort.Search(len(starts), func(i int) bool {
		return starts[i] >= p
	})
	switch i {
	case 0:
		return -int64(starts[0] - p)
	case len(starts):
		return int64(p - starts[len(starts)-1])
	}
	before := p - starts[i-1]
	after := starts[i] - p
	if before <= after {
		return int64(before)
	}
	return -int64(after)
}
