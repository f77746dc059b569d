package generate

import (
	"fmt"

	"revtune/rvt/metrics"
)

// Rerank selects the best of N candidates per example using the aggregate
// overlap score against the reference. Comparison is strict greater-than,
// so an exact tie keeps the first-seen (lowest-index) candidate. The
// tie policy is deterministic on purpose: evaluation must be
// reproducible across runs.
//
// Reranking needs a reference at selection time. When an example has no
// reference (blind inference), the decoder's first-ranked candidate is
// kept as-is.
func Rerank(candidates []string, references []string, numReturn int) ([]string, error) {
	if numReturn < 1 {
		return nil, fmt.Errorf("rerank: numReturn must be positive, got %d", numReturn)
	}
	if len(candidates) != len(references)*numReturn {
		return nil, fmt.Errorf("rerank: %d candidates for %d references with %d per example",
			len(candidates), len(references), numReturn)
	}
	selected := make([]string, len(references))
	for i, ref := range references {
		group := candidates[i*numReturn : (i+1)*numReturn]
		if ref == "" {
			selected[i] = group[0]
			continue
		}
		best := ""
		bestScore := -1.0
		for _, cand := range group {
			score := metrics.AverageOverlap(cand, ref)
			if score > bestScore {
				best = cand
				bestScore = score
			}
		}
		selected[i] = best
	}
	return selected, nil
}
