package train

import (
	"context"
	"path/filepath"

	"revtune/rvt/config"
	"revtune/rvt/data"
	"revtune/rvt/generate"
	"revtune/rvt/metrics"
	"revtune/rvt/model"
	"revtune/rvt/tokenizer"

	"github.com/rs/zerolog"
)

// Result is one evaluation pass: perplexity from the loss pass plus the
// corpus metrics from the generation pass.
type Result struct {
	EvalLoss float64
	PPL      float64
	Report   metrics.Report
}

// Evaluator runs the held-out evaluation: a teacher-forced loss pass over
// dev-stage features and a beam-search generation pass over test-stage
// features (target withheld), followed by best-of-N reranking and metric
// aggregation. Dev featurization is done once and reused across
// evaluations.
type Evaluator struct {
	cfg    *config.Config
	m      model.Model
	tok    tokenizer.Tokenizer
	gen    *generate.Generator
	logger zerolog.Logger

	examples  []data.Example
	lossFeats []data.Features
	genFeats  []data.Features
}

func NewEvaluator(cfg *config.Config, m model.Model, tok tokenizer.Tokenizer, logger zerolog.Logger) (*Evaluator, error) {
	gen := generate.New(m, tok, model.GenerateOptions{
		BeamSize:           cfg.Generate.BeamSize,
		MaxTargetLength:    cfg.Data.MaxTargetLength,
		LengthPenalty:      cfg.Generate.LengthPenalty,
		NumReturnSequences: cfg.Generate.NumReturnSequences,
	})
	return &Evaluator{cfg: cfg, m: m, tok: tok, gen: gen, logger: logger}, nil
}

func (e *Evaluator) ensureFeatures() error {
	if e.examples != nil {
		return nil
	}
	examples, err := data.LoadExamples(e.cfg.Data.DevFile)
	if err != nil {
		return err
	}
	opts := data.FeaturizeOptions{
		MaxSourceLength: e.cfg.Data.MaxSourceLength,
		MaxTargetLength: e.cfg.Data.MaxTargetLength,
	}
	lossFeats, err := data.Featurize(examples, e.tok, opts, data.StageDev, e.logger)
	if err != nil {
		return err
	}
	genFeats, err := data.Featurize(examples, e.tok, opts, data.StageTest, e.logger)
	if err != nil {
		return err
	}
	e.examples = examples
	e.lossFeats = lossFeats
	e.genFeats = genFeats
	return nil
}

// Evaluate blocks training until both passes complete.
func (e *Evaluator) Evaluate(ctx context.Context, globalStep int, trainLoss float64) (Result, error) {
	if err := e.ensureFeatures(); err != nil {
		return Result{}, err
	}

	e.logger.Info().
		Int("num_examples", len(e.examples)).
		Int("batch_size", e.cfg.Train.EvalBatchSize).
		Msg("running evaluation")

	var totalLoss float64
	var totalTokens int
	for _, b := range data.SequentialBatches(e.lossFeats, e.cfg.Train.EvalBatchSize) {
		b := b
		out, err := e.m.Forward(ctx, &b)
		if err != nil {
			return Result{}, err
		}
		totalLoss += out.SumLoss
		totalTokens += out.Tokens
	}
	ppl, err := metrics.Perplexity(totalLoss, totalTokens)
	if err != nil {
		return Result{}, err
	}
	evalLoss := totalLoss / float64(totalTokens)

	e.logger.Info().
		Float64("eval_ppl", ppl).
		Int("global_step", globalStep+1).
		Float64("train_loss", trainLoss).
		Msg("evaluation loss pass")

	var candidates []string
	for _, b := range data.SequentialBatches(e.genFeats, e.cfg.Train.EvalBatchSize) {
		b := b
		texts, err := e.gen.Generate(ctx, &b)
		if err != nil {
			return Result{}, err
		}
		candidates = append(candidates, texts...)
	}

	refs := make([]string, len(e.examples))
	for i, ex := range e.examples {
		refs[i] = ex.Target
	}
	selected, err := generate.Rerank(candidates, refs, e.cfg.Generate.NumReturnSequences)
	if err != nil {
		return Result{}, err
	}

	agg := metrics.NewAggregator()
	for i, ex := range e.examples {
		agg.Add(ex.ID, selected[i], ex.Target)
	}
	report, err := agg.Finalize()
	if err != nil {
		return Result{}, err
	}

	ids := make([]int, len(e.examples))
	for i, ex := range e.examples {
		ids[i] = ex.ID
	}
	if err := WritePredictions(
		filepath.Join(e.cfg.OutputDir, "dev.output"),
		filepath.Join(e.cfg.OutputDir, "dev.gold"),
		ids, selected, refs,
	); err != nil {
		return Result{}, err
	}

	e.logger.Info().
		Float64("bleu-4", report.BLEU).
		Float64("rouge-1", report.Unigram).
		Float64("rouge-2", report.Bigram).
		Float64("rouge-l", report.LCS).
		Float64("precision", report.Precision).
		Float64("recall", report.Recall).
		Float64("perfect-prediction", report.ExactMatch).
		Msg("evaluation generation pass")

	return Result{EvalLoss: evalLoss, PPL: ppl, Report: report}, nil
}
