package train

import (
	"context"
	"fmt"
	"path/filepath"

	"revtune/rvt/config"
	"revtune/rvt/data"
	"revtune/rvt/generate"
	"revtune/rvt/metrics"
	"revtune/rvt/model"
	"revtune/rvt/tokenizer"

	"github.com/rs/zerolog"
)

// RunTest runs the blind-generation phase over the dev and/or test files.
// Targets are withheld from featurization; reranking still uses the
// reference column of the file when present (see Rerank for the
// no-reference fallback).
func RunTest(ctx context.Context, cfg *config.Config, m model.Model, tok tokenizer.Tokenizer, logger zerolog.Logger) error {
	var files []string
	if cfg.Data.DevFile != "" {
		files = append(files, cfg.Data.DevFile)
	}
	if cfg.Data.TestFile != "" {
		files = append(files, cfg.Data.TestFile)
	}
	if len(files) == 0 {
		return fmt.Errorf("test phase: no dev or test file configured")
	}

	gen := generate.New(m, tok, model.GenerateOptions{
		BeamSize:           cfg.Generate.BeamSize,
		MaxTargetLength:    cfg.Data.MaxTargetLength,
		LengthPenalty:      cfg.Generate.LengthPenalty,
		NumReturnSequences: cfg.Generate.NumReturnSequences,
	})

	for _, file := range files {
		logger.Info().Str("file", file).Msg("test file")
		if err := testOne(ctx, cfg, gen, tok, file, logger); err != nil {
			return err
		}
	}
	return nil
}

func testOne(ctx context.Context, cfg *config.Config, gen *generate.Generator, tok tokenizer.Tokenizer, file string, logger zerolog.Logger) error {
	examples, err := data.LoadExamples(file)
	if err != nil {
		return err
	}
	feats, err := data.Featurize(examples, tok, data.FeaturizeOptions{
		MaxSourceLength: cfg.Data.MaxSourceLength,
		MaxTargetLength: cfg.Data.MaxTargetLength,
	}, data.StageTest, logger)
	if err != nil {
		return err
	}

	var candidates []string
	for _, b := range data.SequentialBatches(feats, cfg.Train.EvalBatchSize) {
		b := b
		texts, err := gen.Generate(ctx, &b)
		if err != nil {
			return err
		}
		candidates = append(candidates, texts...)
	}

	refs := make([]string, len(examples))
	ids := make([]int, len(examples))
	for i, ex := range examples {
		refs[i] = ex.Target
		ids[i] = ex.ID
	}
	selected, err := generate.Rerank(candidates, refs, cfg.Generate.NumReturnSequences)
	if err != nil {
		return err
	}

	agg := metrics.NewAggregator()
	for i, ex := range examples {
		agg.Add(ex.ID, selected[i], ex.Target)
	}
	report, err := agg.Finalize()
	if err != nil {
		return err
	}

	outName := fmt.Sprintf("test_%d.output", cfg.Generate.BeamSize)
	goldName := fmt.Sprintf("test_%d.gold", cfg.Generate.BeamSize)
	if err := WritePredictions(
		filepath.Join(cfg.OutputDir, outName),
		filepath.Join(cfg.OutputDir, goldName),
		ids, selected, refs,
	); err != nil {
		return err
	}

	logger.Info().
		Float64("bleu-4", report.BLEU).
		Float64("rouge-1", report.Unigram).
		Float64("rouge-2", report.Bigram).
		Float64("rouge-l", report.LCS).
		Float64("precision", report.Precision).
		Float64("recall", report.Recall).
		Float64("perfect-prediction", report.ExactMatch).
		Msg("test results")
	return nil
}
