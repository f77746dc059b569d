package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	internal "revtune/rvt"
	"revtune/rvt/config"
	"revtune/rvt/model"
	"revtune/rvt/tokenizer"
	"revtune/rvt/train"
)

func main() {
	if err := run(); err != nil {
		logger := internal.GetLogger()
		logger.Error().Err(err).Msg("revtune failed")
		os.Exit(1)
	}
}

func run() error {
	var (
		flagConfig   string
		flagOnnxEP   string
		flagDeviceID int
	)
	flag.StringVar(&flagConfig, "config", "", "path to config file (yaml)")
	flag.StringVar(&flagOnnxEP, "onnx-ep", "", "onnx execution provider (cpu, cuda, coreml)")
	flag.IntVar(&flagDeviceID, "onnx-device", 0, "onnx device id")
	flag.Parse()

	cfg, err := config.LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	logger := internal.GetLogger()

	if flagOnnxEP != "" {
		model.SetONNXExecutionProvider(flagOnnxEP)
	}
	if flagDeviceID != 0 {
		model.SetONNXDeviceID(flagDeviceID)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}

	tokPath := cfg.Model.TokenizerPath
	if tokPath == "" {
		tokPath = cfg.Model.Path
	}
	tok, err := tokenizer.NewSugarTokenizer(tokPath)
	if err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}

	modelPath := cfg.Model.Path
	if cfg.Model.LoadPath != "" {
		modelPath = cfg.Model.LoadPath
	}
	m, err := model.NewBackend(cfg.Model.Backend, modelPath)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("backend", cfg.Model.Backend).
		Str("model", modelPath).
		Bool("train", cfg.Train.DoTrain).
		Bool("eval", cfg.Train.DoEval).
		Bool("test", cfg.Train.DoTest).
		Msg("revtune starting")

	if cfg.Train.DoTrain {
		opt, err := model.NewOptimizer(m, model.OptimizerOptions{
			LearningRate: cfg.Train.LearningRate,
			WeightDecay:  cfg.Train.WeightDecay,
			Epsilon:      cfg.Train.AdamEpsilon,
			MaxGradNorm:  cfg.Train.MaxGradNorm,
		})
		if err != nil {
			return err
		}
		trainer, err := train.NewTrainer(cfg, m, opt, tok, logger)
		if err != nil {
			return err
		}
		defer trainer.Close()
		if err := trainer.Run(ctx); err != nil {
			return err
		}
	}

	if cfg.Train.DoTest {
		if err := train.RunTest(ctx, cfg, m, tok, logger); err != nil {
			return err
		}
	}

	return nil
}
