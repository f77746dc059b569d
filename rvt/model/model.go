package model

import (
	"context"
	"errors"
	"fmt"

	"revtune/rvt/data"

	"github.com/sourcegraph/conc/pool"
)

// ErrNoGradients reports a backend that can run inference but cannot
// accumulate gradients in-process.
var ErrNoGradients = errors.New("backend does not support gradient computation")

// Output is the result of one teacher-forced pass over a batch.
// SumLoss is summed over non-ignored target positions so that replicas
// and evaluation batches reduce exactly.
type Output struct {
	SumLoss float64
	Tokens  int
}

// Mean returns the per-token loss for the pass.
func (o Output) Mean() float64 {
	if o.Tokens == 0 {
		return 0
	}
	return o.SumLoss / float64(o.Tokens)
}

// GenerateOptions controls deterministic beam-search decoding.
type GenerateOptions struct {
	BeamSize           int
	MaxTargetLength    int
	LengthPenalty      float64
	NumReturnSequences int
	EOSID              int64
}

// Model is the generative collaborator: forward/backward computation and
// decoding live behind this interface, opaque to the orchestration core.
type Model interface {
	// Forward computes teacher-forced loss for the batch without
	// touching gradients.
	Forward(ctx context.Context, b *data.Batch) (Output, error)
	// ForwardBackward computes the loss and accumulates gradients
	// scaled by lossScale (1/gradient_accumulation_steps).
	ForwardBackward(ctx context.Context, b *data.Batch, lossScale float64) (Output, error)
	// Generate runs beam search and returns NumReturnSequences token
	// sequences per input row, candidates contiguous per example and
	// ranked by the decoder's own score.
	Generate(ctx context.Context, b *data.Batch, opts GenerateOptions) ([][]int64, error)
	// Save persists model state into dir.
	Save(dir string) error
}

// Optimizer applies accumulated gradients. Implementations live with the
// compute backend; the loop only sequences Step/ZeroGrad/SetLR calls.
type Optimizer interface {
	Step() error
	ZeroGrad()
	SetLR(lr float64)
}

// Unwrapper exposes the base model beneath a replication wrapper. The
// trainer resolves this once at setup, not at every save point.
type Unwrapper interface {
	Unwrap() Model
}

// Base follows Unwrap until it reaches the plain model.
func Base(m Model) Model {
	for {
		u, ok := m.(Unwrapper)
		if !ok {
			return m
		}
		m = u.Unwrap()
	}
}

// Replicated fans a batch out across data-parallel replicas and reduces
// the per-replica losses. Generation and persistence go through the
// primary replica.
type Replicated struct {
	replicas []Model
}

func NewReplicated(replicas ...Model) (*Replicated, error) {
	if len(replicas) == 0 {
		return nil, fmt.Errorf("replicated model needs at least one replica")
	}
	return &Replicated{replicas: replicas}, nil
}

func (r *Replicated) Unwrap() Model { return r.replicas[0] }

func (r *Replicated) Forward(ctx context.Context, b *data.Batch) (Output, error) {
	return r.fanOut(ctx, b, func(ctx context.Context, m Model, sub *data.Batch) (Output, error) {
		return m.Forward(ctx, sub)
	})
}

func (r *Replicated) ForwardBackward(ctx context.Context, b *data.Batch, lossScale float64) (Output, error) {
	return r.fanOut(ctx, b, func(ctx context.Context, m Model, sub *data.Batch) (Output, error) {
		return m.ForwardBackward(ctx, sub, lossScale)
	})
}

func (r *Replicated) Generate(ctx context.Context, b *data.Batch, opts GenerateOptions) ([][]int64, error) {
	return r.replicas[0].Generate(ctx, b, opts)
}

func (r *Replicated) Save(dir string) error { return r.replicas[0].Save(dir) }

func (r *Replicated) fanOut(ctx context.Context, b *data.Batch, run func(context.Context, Model, *data.Batch) (Output, error)) (Output, error) {
	subs := splitBatch(b, len(r.replicas))
	outs := make([]Output, len(subs))
	p := pool.New().WithErrors().WithContext(ctx)
	for i := range subs {
		i := i
		if subs[i].Size() == 0 {
			continue
		}
		p.Go(func(ctx context.Context) error {
			out, err := run(ctx, r.replicas[i], &subs[i])
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return Output{}, err
	}
	var total Output
	for _, o := range outs {
		total.SumLoss += o.SumLoss
		total.Tokens += o.Tokens
	}
	return total, nil
}

func splitBatch(b *data.Batch, n int) []data.Batch {
	subs := make([]data.Batch, n)
	size := b.Size()
	chunk := (size + n - 1) / n
	for i := 0; i < n; i++ {
		start := i * chunk
		end := start + chunk
		if start > size {
			start = size
		}
		if end > size {
			end = size
		}
		subs[i] = data.Batch{
			ExampleIDs: b.ExampleIDs[start:end],
			SourceIDs:  b.SourceIDs[start:end],
			SourceMask: b.SourceMask[start:end],
			TargetIDs:  b.TargetIDs[start:end],
			TargetMask: b.TargetMask[start:end],
		}
	}
	return subs
}
