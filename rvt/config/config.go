package config

import (
	"fmt"
	"strings"

	internal "revtune/rvt"

	"github.com/spf13/viper"
)

// Config stores all configuration of a fine-tuning run.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Model    ModelConfig    `mapstructure:"model"`
	Data     DataConfig     `mapstructure:"data"`
	Train    TrainConfig    `mapstructure:"train"`
	Generate GenerateConfig `mapstructure:"generate"`
	Dist     DistConfig     `mapstructure:"dist"`
	History  HistoryConfig  `mapstructure:"history"`
	OutputDir string        `mapstructure:"outputDir"`
	Seed      int64         `mapstructure:"seed"`
}

// ModelConfig locates the pretrained model and tokenizer state.
type ModelConfig struct {
	Path          string `mapstructure:"path"`
	TokenizerPath string `mapstructure:"tokenizerPath"`
	LoadPath      string `mapstructure:"loadPath"`
	Backend       string `mapstructure:"backend"`
}

// DataConfig holds input file paths and token length budgets.
type DataConfig struct {
	TrainFile       string `mapstructure:"trainFile"`
	DevFile         string `mapstructure:"devFile"`
	TestFile        string `mapstructure:"testFile"`
	MaxSourceLength int    `mapstructure:"maxSourceLength"`
	MaxTargetLength int    `mapstructure:"maxTargetLength"`
}

// TrainConfig holds optimization hyperparameters and phase flags.
type TrainConfig struct {
	DoTrain                   bool    `mapstructure:"doTrain"`
	DoEval                    bool    `mapstructure:"doEval"`
	DoTest                    bool    `mapstructure:"doTest"`
	TrainBatchSize            int     `mapstructure:"trainBatchSize"`
	EvalBatchSize             int     `mapstructure:"evalBatchSize"`
	GradientAccumulationSteps int     `mapstructure:"gradientAccumulationSteps"`
	LearningRate              float64 `mapstructure:"learningRate"`
	WeightDecay               float64 `mapstructure:"weightDecay"`
	AdamEpsilon               float64 `mapstructure:"adamEpsilon"`
	MaxGradNorm               float64 `mapstructure:"maxGradNorm"`
	NumTrainEpochs            float64 `mapstructure:"numTrainEpochs"`
	TrainSteps                int     `mapstructure:"trainSteps"`
	EvalSteps                 int     `mapstructure:"evalSteps"`
	WarmupSteps               int     `mapstructure:"warmupSteps"`
}

// GenerateConfig controls beam-search decoding.
type GenerateConfig struct {
	BeamSize           int     `mapstructure:"beamSize"`
	LengthPenalty      float64 `mapstructure:"lengthPenalty"`
	NumReturnSequences int     `mapstructure:"numReturnSequences"`
}

// DistConfig selects the worker shard under multi-process execution.
// Rank -1 means single-process.
type DistConfig struct {
	Rank      int `mapstructure:"rank"`
	WorldSize int `mapstructure:"worldSize"`
}

// HistoryConfig stores the evaluation history database connection.
type HistoryConfig struct {
	DSN     string `mapstructure:"dsn"`
	Enabled bool   `mapstructure:"enabled"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetDefault("outputDir", internal.DefaultOutputDir)
	viper.SetDefault("seed", 42)

	viper.SetDefault("data.maxSourceLength", 64)
	viper.SetDefault("data.maxTargetLength", 32)

	viper.SetDefault("train.trainBatchSize", 8)
	viper.SetDefault("train.evalBatchSize", 8)
	viper.SetDefault("train.gradientAccumulationSteps", 1)
	viper.SetDefault("train.learningRate", 5e-5)
	viper.SetDefault("train.weightDecay", 0.0)
	viper.SetDefault("train.adamEpsilon", 1e-8)
	viper.SetDefault("train.maxGradNorm", 1.0)
	viper.SetDefault("train.numTrainEpochs", 3.0)
	viper.SetDefault("train.trainSteps", -1)
	viper.SetDefault("train.evalSteps", -1)
	viper.SetDefault("train.warmupSteps", 0)

	viper.SetDefault("generate.beamSize", 10)
	viper.SetDefault("generate.lengthPenalty", 2.0)
	viper.SetDefault("generate.numReturnSequences", 1)

	viper.SetDefault("dist.rank", -1)
	viper.SetDefault("dist.worldSize", 1)

	viper.SetDefault("history.dsn", internal.DefaultHistoryDSN)
	viper.SetDefault("history.enabled", true)

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults will be used.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := AppConfig.Validate(); err != nil {
		return nil, err
	}

	return &AppConfig, nil
}

// Validate rejects configurations the run could not survive.
func (c *Config) Validate() error {
	if c.Data.MaxSourceLength < 2 {
		return fmt.Errorf("data.maxSourceLength must be at least 2, got %d", c.Data.MaxSourceLength)
	}
	if c.Data.MaxTargetLength < 2 {
		return fmt.Errorf("data.maxTargetLength must be at least 2, got %d", c.Data.MaxTargetLength)
	}
	if c.Train.GradientAccumulationSteps < 1 {
		return fmt.Errorf("train.gradientAccumulationSteps must be positive, got %d", c.Train.GradientAccumulationSteps)
	}
	if c.Train.TrainBatchSize < c.Train.GradientAccumulationSteps {
		return fmt.Errorf("train.trainBatchSize %d smaller than gradientAccumulationSteps %d",
			c.Train.TrainBatchSize, c.Train.GradientAccumulationSteps)
	}
	if c.Generate.NumReturnSequences < 1 {
		return fmt.Errorf("generate.numReturnSequences must be positive, got %d", c.Generate.NumReturnSequences)
	}
	if c.Generate.NumReturnSequences > c.Generate.BeamSize {
		return fmt.Errorf("generate.numReturnSequences %d exceeds beamSize %d",
			c.Generate.NumReturnSequences, c.Generate.BeamSize)
	}
	if c.Dist.WorldSize < 1 {
		return fmt.Errorf("dist.worldSize must be positive, got %d", c.Dist.WorldSize)
	}
	if c.Dist.Rank >= c.Dist.WorldSize {
		return fmt.Errorf("dist.rank %d out of range for worldSize %d", c.Dist.Rank, c.Dist.WorldSize)
	}
	return nil
}
