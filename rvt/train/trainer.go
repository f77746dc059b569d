package train

import (
	"context"
	"errors"
	"fmt"
	"math"

	"revtune/rvt/checkpoint"
	"revtune/rvt/config"
	"revtune/rvt/data"
	"revtune/rvt/history"
	"revtune/rvt/model"
	"revtune/rvt/tokenizer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNonFiniteLoss marks a physical batch whose loss came back NaN/Inf.
// Such batches are skipped (gradients reset, step not counted) instead of
// corrupting the optimizer state.
var ErrNonFiniteLoss = errors.New("non-finite training loss")

// RunState is the per-run mutable bookkeeping. It lives on the Trainer,
// never in package globals, so independent runs can coexist in one
// process. Not persisted: a crash loses it, checkpoints survive.
type RunState struct {
	RunID           uuid.UUID
	GlobalStep      int
	PhysicalSteps   int
	AccumulatedLoss float64
	SkippedBatches  int
	EvalDue         bool
}

// DisplayLoss is the moving-average training loss since the last
// evaluation, used only for progress display.
func (s *RunState) DisplayLoss(gradAccum int) float64 {
	return s.AccumulatedLoss * float64(gradAccum) / float64(s.PhysicalSteps+1)
}

// Trainer drives the step-count-driven fine-tuning loop: forward/backward
// per physical batch, optimizer and schedule stepping every
// gradientAccumulationSteps batches, evaluation at the configured cadence.
type Trainer struct {
	cfg    *config.Config
	m      model.Model
	base   model.Model // unwrapped once at setup; used for persistence
	opt    model.Optimizer
	sched  *model.LinearSchedule
	tok    tokenizer.Tokenizer
	loader *data.CyclicLoader
	eval   *Evaluator
	ckpt   *checkpoint.Manager
	hist   *history.Store
	logger zerolog.Logger

	steps int
	state RunState
}

// NewTrainer loads and featurizes the training set, builds the cyclic
// batch loader and the evaluation engine, and resolves the base model.
func NewTrainer(cfg *config.Config, m model.Model, opt model.Optimizer, tok tokenizer.Tokenizer, logger zerolog.Logger) (*Trainer, error) {
	examples, err := data.LoadExamples(cfg.Data.TrainFile)
	if err != nil {
		return nil, err
	}
	feats, err := data.Featurize(examples, tok, data.FeaturizeOptions{
		MaxSourceLength: cfg.Data.MaxSourceLength,
		MaxTargetLength: cfg.Data.MaxTargetLength,
	}, data.StageTrain, logger)
	if err != nil {
		return nil, err
	}
	feats = data.Shard(feats, cfg.Dist.Rank, cfg.Dist.WorldSize)

	physicalBatch := cfg.Train.TrainBatchSize / cfg.Train.GradientAccumulationSteps
	loader := data.NewCyclicLoader(feats, physicalBatch, cfg.Seed)

	steps := cfg.Train.TrainSteps
	if steps <= 0 {
		steps = int(cfg.Train.NumTrainEpochs * float64(len(feats)) / float64(physicalBatch))
	}
	if steps <= 0 {
		return nil, fmt.Errorf("training step budget resolves to %d", steps)
	}

	var evaluator *Evaluator
	if cfg.Train.DoEval {
		evaluator, err = NewEvaluator(cfg, m, tok, logger)
		if err != nil {
			return nil, err
		}
	}

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.DSN)
		if err != nil {
			return nil, err
		}
	}

	runID := uuid.New()
	t := &Trainer{
		cfg:    cfg,
		m:      m,
		base:   model.Base(m),
		opt:    opt,
		sched:  model.NewLinearSchedule(cfg.Train.LearningRate, cfg.Train.WarmupSteps, steps/cfg.Train.GradientAccumulationSteps),
		tok:    tok,
		loader: loader,
		eval:   evaluator,
		ckpt:   checkpoint.NewManager(cfg.OutputDir, runID, logger),
		hist:   hist,
		logger: logger,
		steps:  steps,
		state:  RunState{RunID: runID},
	}

	logger.Info().
		Str("run_id", runID.String()).
		Int("num_examples", len(examples)).
		Int("batch_size", cfg.Train.TrainBatchSize).
		Int("train_steps", steps).
		Int("num_epochs", steps*cfg.Train.TrainBatchSize/max(1, len(examples))).
		Msg("running training")

	return t, nil
}

// State returns a copy of the current run bookkeeping.
func (t *Trainer) State() RunState { return t.state }

// Close releases the evaluation history handle.
func (t *Trainer) Close() error {
	if t.hist != nil {
		return t.hist.Close()
	}
	return nil
}

// Run executes the full step budget. Steps are strictly sequential: step
// N's optimizer update happens before step N+1's forward pass, and
// evaluation blocks training until complete.
func (t *Trainer) Run(ctx context.Context) error {
	accum := t.cfg.Train.GradientAccumulationSteps
	lossScale := 1.0 / float64(accum)

	for step := 0; step < t.steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := t.loader.Next()

		// Replica losses reduce to a mean inside the model wrapper.
		out, err := t.m.ForwardBackward(ctx, &batch, lossScale)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		mean := out.Mean()
		if math.IsNaN(mean) || math.IsInf(mean, 0) {
			t.state.SkippedBatches++
			t.opt.ZeroGrad()
			t.logger.Warn().Int("step", step).Err(ErrNonFiniteLoss).Msg("skipping batch")
			continue
		}

		t.state.AccumulatedLoss += mean / float64(accum)
		t.state.PhysicalSteps++

		if t.state.PhysicalSteps%accum == 0 {
			t.opt.SetLR(t.sched.LR())
			if err := t.opt.Step(); err != nil {
				return fmt.Errorf("optimizer step %d: %w", t.state.GlobalStep, err)
			}
			t.opt.ZeroGrad()
			t.sched.Step()
			t.state.GlobalStep++
			t.state.EvalDue = true
		}

		if t.evalTriggered() {
			if err := t.runEvaluation(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Trainer) evalTriggered() bool {
	return t.cfg.Train.DoEval &&
		t.cfg.Train.EvalSteps > 0 &&
		(t.state.GlobalStep+1)%t.cfg.Train.EvalSteps == 0 &&
		t.state.EvalDue
}

func (t *Trainer) runEvaluation(ctx context.Context) error {
	trainLoss := t.state.DisplayLoss(t.cfg.Train.GradientAccumulationSteps)
	t.state.AccumulatedLoss = 0
	t.state.PhysicalSteps = 0
	t.state.EvalDue = false

	res, err := t.eval.Evaluate(ctx, t.state.GlobalStep, trainLoss)
	if err != nil {
		return err
	}

	if _, err := t.ckpt.Update(checkpoint.Scores{
		Step:     t.state.GlobalStep,
		EvalLoss: res.EvalLoss,
		PPL:      res.PPL,
		Overlap:  res.Report.BLEU,
		Quality:  res.Report.Quality,
	}, t.base, t.tok); err != nil {
		return err
	}

	if t.hist != nil {
		if err := t.hist.Record(history.Entry{
			RunID:      t.state.RunID,
			Step:       t.state.GlobalStep,
			PPL:        res.PPL,
			BLEU:       res.Report.BLEU,
			Quality:    res.Report.Quality,
			ExactMatch: res.Report.ExactMatch,
		}); err != nil {
			t.logger.Warn().Err(err).Msg("failed to record evaluation history")
		}
	}
	return nil
}
