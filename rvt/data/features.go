package data

import (
	"fmt"
	"runtime"
	"strings"

	"revtune/rvt/tokenizer"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// TaskPrefix is prepended to every source text before tokenization.
const TaskPrefix = "Output review comments: "

// IgnoreID marks padded target positions so they contribute zero loss.
// Distinct from the tokenizer pad id.
const IgnoreID int64 = -100

// testTargetPlaceholder substitutes the gold target at test stage, where
// the target text is withheld from the model input side.
const testTargetPlaceholder = "None"

// Stage selects featurization behavior for the target side.
type Stage string

const (
	StageTrain Stage = "train"
	StageDev   Stage = "dev"
	StageTest  Stage = "test"
)

// Features holds the fixed-width token tensors derived from one Example.
// SourceIDs/SourceMask are left-padded to MaxSourceLength; TargetIDs carry
// IgnoreID in right-padded positions.
type Features struct {
	ExampleID  int
	SourceIDs  []int64
	TargetIDs  []int64
	SourceMask []int64
	TargetMask []int64
}

// FeaturizeOptions carries the token length budgets and worker bound.
type FeaturizeOptions struct {
	MaxSourceLength int
	MaxTargetLength int
	Workers         int
}

// Featurize converts examples into fixed-width Features. Truncation beyond
// the length budget is silent. Examples are processed on a bounded worker
// pool; output order matches input order.
func Featurize(examples []Example, tok tokenizer.Tokenizer, opts FeaturizeOptions, stage Stage, logger zerolog.Logger) ([]Features, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	features := make([]Features, len(examples))
	p := pool.New().WithErrors().WithMaxGoroutines(workers)
	for i := range examples {
		i := i
		p.Go(func() error {
			f, err := featurizeOne(examples[i], tok, opts, stage)
			if err != nil {
				return fmt.Errorf("example %d: %w", examples[i].ID, err)
			}
			features[i] = f
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	if stage == StageTrain {
		for i := 0; i < len(features) && i < 5; i++ {
			logger.Info().
				Int("idx", features[i].ExampleID).
				Str("source_ids", joinIDs(features[i].SourceIDs)).
				Str("target_ids", joinIDs(features[i].TargetIDs)).
				Msg("featurized example")
		}
	}
	return features, nil
}

func featurizeOne(ex Example, tok tokenizer.Tokenizer, opts FeaturizeOptions, stage Stage) (Features, error) {
	sourceTokens, err := tok.Tokenize(TaskPrefix + strings.TrimSpace(ex.SourceCode))
	if err != nil {
		return Features{}, err
	}
	if len(sourceTokens) > opts.MaxSourceLength-1 {
		sourceTokens = sourceTokens[:opts.MaxSourceLength-1]
	}
	sourceTokens = append(sourceTokens, tok.EOSToken())

	sourceIDs := tok.TokensToIDs(sourceTokens)
	sourceMask := ones(len(sourceIDs))
	pad := opts.MaxSourceLength - len(sourceIDs)
	sourceIDs = append(make([]int64, pad), sourceIDs...)
	sourceMask = append(make([]int64, pad), sourceMask...)

	var targetTokens []string
	if stage == StageTest {
		targetTokens, err = tok.Tokenize(testTargetPlaceholder)
	} else {
		targetTokens, err = tok.Tokenize(ex.Target)
		if err == nil && len(targetTokens) > opts.MaxTargetLength-1 {
			targetTokens = targetTokens[:opts.MaxTargetLength-1]
		}
	}
	if err != nil {
		return Features{}, err
	}
	targetTokens = append(targetTokens, tok.EOSToken())

	targetIDs := tok.TokensToIDs(targetTokens)
	targetMask := ones(len(targetIDs))
	for len(targetIDs) < opts.MaxTargetLength {
		targetIDs = append(targetIDs, IgnoreID)
		targetMask = append(targetMask, 0)
	}

	return Features{
		ExampleID:  ex.ID,
		SourceIDs:  sourceIDs,
		TargetIDs:  targetIDs,
		SourceMask: sourceMask,
		TargetMask: targetMask,
	}, nil
}

func ones(n int) []int64 {
	m := make([]int64, n)
	for i := range m {
		m[i] = 1
	}
	return m
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, " ")
}
