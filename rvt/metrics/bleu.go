package metrics

import (
	"math"
	"strings"
)

// SentenceBLEU is the secondary n-gram precision metric: BLEU-4 with
// uniform weights and brevity penalty, computed on raw-case tokens.
// Pairs with no 4-gram overlap score zero (no smoothing).
type SentenceBLEU struct {
	MaxOrder int
}

func (s SentenceBLEU) Score(hyp, ref string) float64 {
	order := s.MaxOrder
	if order <= 0 {
		order = 4
	}
	h := strings.Fields(strings.TrimSpace(hyp))
	r := strings.Fields(strings.TrimSpace(ref))
	if len(h) == 0 || len(r) == 0 {
		return 0
	}

	logSum := 0.0
	for n := 1; n <= order; n++ {
		p := modifiedPrecision(h, r, n)
		if p == 0 {
			return 0
		}
		logSum += math.Log(p)
	}
	bleu := math.Exp(logSum / float64(order))

	// brevity penalty
	if len(h) < len(r) {
		bleu *= math.Exp(1 - float64(len(r))/float64(len(h)))
	}
	return bleu
}

func modifiedPrecision(hyp, ref []string, n int) float64 {
	hgrams := countNgrams(hyp, n)
	if len(hgrams) == 0 {
		return 0
	}
	rgrams := countNgrams(ref, n)
	var clipped, total float64
	for g, c := range hgrams {
		total += float64(c)
		if rc, ok := rgrams[g]; ok {
			clipped += float64(min(c, rc))
		}
	}
	return clipped / total
}
