package metrics

import (
	"errors"
	"math"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"gonum.org/v1/gonum/stat"
)

// ErrEmptyEvalSet reports an evaluation over zero examples; corpus-level
// averages would otherwise divide by zero.
var ErrEmptyEvalSet = errors.New("evaluation set is empty")

// ErrNonFiniteLoss reports a perplexity input that is NaN or Inf.
var ErrNonFiniteLoss = errors.New("non-finite evaluation loss")

// Report holds corpus-level metrics for one evaluation pass.
type Report struct {
	BLEU       float64
	Unigram    float64
	Bigram     float64
	LCS        float64
	Precision  float64
	Recall     float64
	ExactMatch float64
	// Quality is the mean of the three overlap F1 means; the
	// best-quality checkpoint is keyed on it.
	Quality  float64
	Examples int
	// PerfectIDs records which example ids matched the gold exactly.
	PerfectIDs *roaring.Bitmap
}

// Aggregator accumulates per-example scores and averages them once at
// the end, so the divisor is the exact example count including examples
// with empty hypotheses.
type Aggregator struct {
	uni  OverlapScorer
	bi   OverlapScorer
	lcs  OverlapScorer
	bleu SentenceScorer

	bleus, unis, bis, lcss []float64
	precs, recs            []float64
	exact                  int
	perfect                *roaring.Bitmap
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		uni:     UnigramF1{},
		bi:      BigramF1{},
		lcs:     LCSF1{},
		bleu:    SentenceBLEU{},
		perfect: roaring.New(),
	}
}

// Add scores one hypothesis against its gold reference. An empty
// hypothesis contributes zero BLEU and is scored for overlap against a
// single-space placeholder; it still counts in every denominator.
func (a *Aggregator) Add(exampleID int, hyp, ref string) {
	hl := strings.ToLower(strings.TrimSpace(hyp))
	rl := strings.ToLower(strings.TrimSpace(ref))

	if hl == rl {
		a.exact++
		a.perfect.Add(uint32(exampleID))
	}

	if strings.TrimSpace(hyp) == "" {
		a.bleus = append(a.bleus, 0)
		hl = " "
	} else {
		a.bleus = append(a.bleus, a.bleu.Score(strings.TrimSpace(hyp), strings.TrimSpace(ref)))
	}

	uni := a.uni.Score(hl, rl)
	a.unis = append(a.unis, uni.F1)
	a.bis = append(a.bis, a.bi.Score(hl, rl).F1)
	a.lcss = append(a.lcss, a.lcs.Score(hl, rl).F1)
	a.precs = append(a.precs, uni.Precision)
	a.recs = append(a.recs, uni.Recall)
}

// Finalize computes corpus means. Returns ErrEmptyEvalSet when nothing
// was added.
func (a *Aggregator) Finalize() (Report, error) {
	n := len(a.bleus)
	if n == 0 {
		return Report{}, ErrEmptyEvalSet
	}
	r := Report{
		BLEU:       stat.Mean(a.bleus, nil),
		Unigram:    stat.Mean(a.unis, nil),
		Bigram:     stat.Mean(a.bis, nil),
		LCS:        stat.Mean(a.lcss, nil),
		Precision:  stat.Mean(a.precs, nil),
		Recall:     stat.Mean(a.recs, nil),
		ExactMatch: float64(a.exact) / float64(n),
		Examples:   n,
		PerfectIDs: a.perfect,
	}
	r.Quality = (r.Unigram + r.Bigram + r.LCS) / 3
	return r, nil
}

// Perplexity exponentiates the average per-token evaluation loss.
func Perplexity(totalLoss float64, totalTargetTokens int) (float64, error) {
	if totalTargetTokens == 0 {
		return 0, ErrEmptyEvalSet
	}
	if math.IsNaN(totalLoss) || math.IsInf(totalLoss, 0) {
		return 0, ErrNonFiniteLoss
	}
	return math.Exp(totalLoss / float64(totalTargetTokens)), nil
}
