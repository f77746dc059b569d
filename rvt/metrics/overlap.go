package metrics

import (
	"strings"
)

// Overlap holds precision/recall/F1 for one hypothesis-reference pair.
type Overlap struct {
	Precision float64
	Recall    float64
	F1        float64
}

// OverlapScorer scores lexical overlap between a hypothesis and a
// reference. Implementations are substitutable without touching the
// orchestration core.
type OverlapScorer interface {
	Score(hyp, ref string) Overlap
}

// SentenceScorer produces a single scalar score per pair.
type SentenceScorer interface {
	Score(hyp, ref string) float64
}

// UnigramF1 scores unigram overlap (a rouge-1 style F-measure).
type UnigramF1 struct{}

func (UnigramF1) Score(hyp, ref string) Overlap {
	return ngramOverlap(strings.Fields(hyp), strings.Fields(ref), 1)
}

// BigramF1 scores bigram overlap (rouge-2 style).
type BigramF1 struct{}

func (BigramF1) Score(hyp, ref string) Overlap {
	return ngramOverlap(strings.Fields(hyp), strings.Fields(ref), 2)
}

// LCSF1 scores longest-common-subsequence overlap (rouge-L style).
type LCSF1 struct{}

func (LCSF1) Score(hyp, ref string) Overlap {
	h := strings.Fields(hyp)
	r := strings.Fields(ref)
	if len(h) == 0 || len(r) == 0 {
		return Overlap{}
	}
	l := float64(lcsLength(h, r))
	return fromCounts(l, float64(len(h)), float64(len(r)))
}

// AverageOverlap is the aggregate quality score: the mean of unigram,
// bigram and LCS F1 over the lower-cased, whitespace-stripped pair. An
// empty hypothesis is scored against a single-space placeholder rather
// than skipped.
func AverageOverlap(hyp, ref string) float64 {
	h := strings.ToLower(strings.TrimSpace(hyp))
	r := strings.ToLower(strings.TrimSpace(ref))
	if h == "" {
		h = " "
	}
	var uni UnigramF1
	var bi BigramF1
	var lcs LCSF1
	return (uni.Score(h, r).F1 + bi.Score(h, r).F1 + lcs.Score(h, r).F1) / 3
}

func ngramOverlap(hyp, ref []string, n int) Overlap {
	hgrams := countNgrams(hyp, n)
	rgrams := countNgrams(ref, n)
	if len(hgrams) == 0 || len(rgrams) == 0 {
		return Overlap{}
	}
	var matches, htotal, rtotal float64
	for g, c := range hgrams {
		htotal += float64(c)
		if rc, ok := rgrams[g]; ok {
			matches += float64(min(c, rc))
		}
	}
	for _, c := range rgrams {
		rtotal += float64(c)
	}
	return fromCounts(matches, htotal, rtotal)
}

func fromCounts(matches, htotal, rtotal float64) Overlap {
	if matches == 0 {
		return Overlap{}
	}
	p := matches / htotal
	r := matches / rtotal
	return Overlap{Precision: p, Recall: r, F1: 2 * p * r / (p + r)}
}

func countNgrams(tokens []string, n int) map[string]int {
	grams := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		grams[strings.Join(tokens[i:i+n], "\x1f")]++
	}
	return grams
}

func lcsLength(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
