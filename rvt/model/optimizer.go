package model

import "fmt"

// OptimizerOptions carries the hyperparameters a backend optimizer
// needs. MaxGradNorm <= 0 disables clipping.
type OptimizerOptions struct {
	LearningRate float64
	WeightDecay  float64
	Epsilon      float64
	MaxGradNorm  float64
}

// TrainCapable is implemented by backends that can build an in-process
// optimizer over their own parameters.
type TrainCapable interface {
	NewOptimizer(opts OptimizerOptions) (Optimizer, error)
}

// NewOptimizer resolves the base model under any replication wrapper and
// asks it for an optimizer. Inference-only backends return ErrNoGradients.
func NewOptimizer(m Model, opts OptimizerOptions) (Optimizer, error) {
	if tc, ok := Base(m).(TrainCapable); ok {
		return tc.NewOptimizer(opts)
	}
	return nil, fmt.Errorf("optimizer: %w", ErrNoGradients)
}
