package train

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"revtune/rvt/checkpoint"
	"revtune/rvt/config"
	"revtune/rvt/data"
	"revtune/rvt/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer splits on whitespace with a tiny fixed vocabulary.
type wordTokenizer struct{}

var wordVocab = []string{"fix", "it", "None", "Output", "review", "comments:", "x", "y"}

func (wordTokenizer) Tokenize(text string) ([]string, error) {
	return strings.Fields(text), nil
}

func (wordTokenizer) TokensToIDs(tokens []string) []int64 {
	ids := make([]int64, len(tokens))
	for i, tok := range tokens {
		if tok == "</s>" {
			ids[i] = 1
			continue
		}
		ids[i] = 2
		for j, w := range wordVocab {
			if w == tok {
				ids[i] = int64(10 + j)
				break
			}
		}
	}
	return ids
}

func (wordTokenizer) Decode(ids []int64, skipSpecial bool) string {
	var out []string
	for _, id := range ids {
		if id >= 10 && int(id-10) < len(wordVocab) {
			out = append(out, wordVocab[id-10])
		}
	}
	return strings.Join(out, " ")
}

func (wordTokenizer) EOSToken() string { return "</s>" }
func (wordTokenizer) EOSID() int64     { return 1 }

func (wordTokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte(strings.Join(wordVocab, "\n")), 0o644)
}

// fakeModel returns a constant per-token loss, with selected calls
// poisoned to NaN, and generates "fix it" for every example.
type fakeModel struct {
	perToken float64
	nanCalls map[int]bool

	fbCalls int
}

func (m *fakeModel) Forward(ctx context.Context, b *data.Batch) (model.Output, error) {
	tokens := b.TargetTokens()
	return model.Output{SumLoss: m.perToken * float64(tokens), Tokens: tokens}, nil
}

func (m *fakeModel) ForwardBackward(ctx context.Context, b *data.Batch, lossScale float64) (model.Output, error) {
	call := m.fbCalls
	m.fbCalls++
	tokens := b.TargetTokens()
	if m.nanCalls[call] {
		return model.Output{SumLoss: math.NaN(), Tokens: tokens}, nil
	}
	return model.Output{SumLoss: m.perToken * float64(tokens), Tokens: tokens}, nil
}

func (m *fakeModel) Generate(ctx context.Context, b *data.Batch, opts model.GenerateOptions) ([][]int64, error) {
	seqs := make([][]int64, 0, b.Size()*opts.NumReturnSequences)
	for i := 0; i < b.Size()*opts.NumReturnSequences; i++ {
		seqs = append(seqs, []int64{10, 11, 1}) // "fix it </s>"
	}
	return seqs, nil
}

func (m *fakeModel) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "weights.bin"), []byte("w"), 0o644)
}

// fakeOptimizer records the call sequence.
type fakeOptimizer struct {
	steps     int
	zeroGrads int
	lrs       []float64
}

func (o *fakeOptimizer) Step() error { o.steps++; return nil }

func (o *fakeOptimizer) ZeroGrad() { o.zeroGrads++ }

func (o *fakeOptimizer) SetLR(lr float64) { o.lrs = append(o.lrs, lr) }

func writeDataset(t *testing.T, dir, name string, targets []string) string {
	t.Helper()
	var records []string
	for i, target := range targets {
		records = append(records, fmt.Sprintf(
			`{"idx": %d, "source_code": "x y", "review_code": "y", "comments": "%s"}`, i, target))
	}
	path := filepath.Join(dir, name)
	content := `{"data": [` + strings.Join(records, ",") + `]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func baseConfig(dir string) *config.Config {
	return &config.Config{
		Data: config.DataConfig{
			MaxSourceLength: 16,
			MaxTargetLength: 8,
		},
		Train: config.TrainConfig{
			TrainBatchSize:            4,
			EvalBatchSize:             2,
			GradientAccumulationSteps: 2,
			LearningRate:              5e-5,
			TrainSteps:                10,
		},
		Generate: config.GenerateConfig{
			BeamSize:           1,
			LengthPenalty:      2.0,
			NumReturnSequences: 1,
		},
		Dist:      config.DistConfig{Rank: -1, WorldSize: 1},
		OutputDir: filepath.Join(dir, "output"),
		Seed:      42,
	}
}

func TestTrainerAccumulationAccounting(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Data.TrainFile = writeDataset(t, dir, "train.json",
		[]string{"fix it", "fix it", "fix it", "fix it", "fix it", "fix it", "fix it", "fix it"})

	m := &fakeModel{perToken: 2.0}
	opt := &fakeOptimizer{}
	tr, err := NewTrainer(cfg, m, opt, wordTokenizer{}, zerolog.Nop())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Run(context.Background()))

	state := tr.State()
	// 10 physical batches at accumulation 2: one optimizer step per pair
	assert.Equal(t, 10, m.fbCalls)
	assert.Equal(t, 10, state.PhysicalSteps)
	assert.Equal(t, 5, state.GlobalStep)
	assert.Equal(t, 5, opt.steps)
	assert.Equal(t, 5, opt.zeroGrads)
	assert.Equal(t, 0, state.SkippedBatches)
	require.Len(t, opt.lrs, 5)
	// linear decay with no warmup: first step runs at the base rate
	assert.InDelta(t, 5e-5, opt.lrs[0], 1e-12)
	assert.Greater(t, opt.lrs[0], opt.lrs[4])

	// each batch contributes mean/accum to the running display loss
	assert.InDelta(t, 10*2.0/2, state.AccumulatedLoss, 1e-9)
	assert.InDelta(t, 10.0*2/11, state.DisplayLoss(2), 1e-9)
}

func TestTrainerSkipsNonFiniteLoss(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Train.TrainBatchSize = 2
	cfg.Train.GradientAccumulationSteps = 1
	cfg.Train.TrainSteps = 4
	cfg.Data.TrainFile = writeDataset(t, dir, "train.json",
		[]string{"fix it", "fix it", "fix it", "fix it"})

	m := &fakeModel{perToken: 1.0, nanCalls: map[int]bool{0: true}}
	opt := &fakeOptimizer{}
	tr, err := NewTrainer(cfg, m, opt, wordTokenizer{}, zerolog.Nop())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Run(context.Background()))

	state := tr.State()
	assert.Equal(t, 1, state.SkippedBatches)
	assert.Equal(t, 3, state.PhysicalSteps)
	assert.Equal(t, 3, state.GlobalStep)
	assert.Equal(t, 3, opt.steps)
	// one extra ZeroGrad resets the poisoned gradients
	assert.Equal(t, 4, opt.zeroGrads)
	assert.False(t, math.IsNaN(state.AccumulatedLoss))
}

func TestTrainerEvalCycle(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Train.TrainBatchSize = 2
	cfg.Train.GradientAccumulationSteps = 1
	cfg.Train.TrainSteps = 4
	cfg.Train.DoEval = true
	cfg.Train.EvalSteps = 2
	cfg.Data.TrainFile = writeDataset(t, dir, "train.json",
		[]string{"fix it", "fix it", "fix it", "fix it"})
	cfg.Data.DevFile = writeDataset(t, dir, "dev.json",
		[]string{"fix it", "None"})

	m := &fakeModel{perToken: 1.0}
	opt := &fakeOptimizer{}
	tr, err := NewTrainer(cfg, m, opt, wordTokenizer{}, zerolog.Nop())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Run(context.Background()))

	// evaluations ran at global steps 1 and 3, resetting the accumulator
	state := tr.State()
	assert.Equal(t, 4, state.GlobalStep)
	assert.Equal(t, 1, state.PhysicalSteps)
	assert.InDelta(t, 1.0, state.AccumulatedLoss, 1e-9)

	// predictions land next to the checkpoints
	outBytes, err := os.ReadFile(filepath.Join(cfg.OutputDir, "dev.output"))
	require.NoError(t, err)
	assert.Equal(t, "0\tfix it\n1\tfix it\n", string(outBytes))
	goldBytes, err := os.ReadFile(filepath.Join(cfg.OutputDir, "dev.gold"))
	require.NoError(t, err)
	assert.Equal(t, "0\tfix it\n1\tNone\n", string(goldBytes))

	// the first evaluation establishes the last, ppl and quality kinds
	for _, kind := range []checkpoint.Kind{
		checkpoint.KindLast, checkpoint.KindBestPPL, checkpoint.KindBestQuality,
	} {
		ckptDir := filepath.Join(cfg.OutputDir, kind.Dir())
		assert.FileExists(t, filepath.Join(ckptDir, "weights.bin"), string(kind))
		assert.FileExists(t, filepath.Join(ckptDir, "tokenizer", "vocab.txt"), string(kind))
		assert.FileExists(t, filepath.Join(ckptDir, "state.json"), string(kind))
	}
	// two-token hypotheses carry no 4-grams, so corpus BLEU stays zero
	// and the overlap checkpoint is never established
	assert.NoDirExists(t, filepath.Join(cfg.OutputDir, checkpoint.KindBestOverlap.Dir()))
}

func TestTrainerStepBudgetFromEpochs(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Train.TrainSteps = -1
	cfg.Train.NumTrainEpochs = 3.0
	cfg.Train.TrainBatchSize = 2
	cfg.Train.GradientAccumulationSteps = 1
	cfg.Data.TrainFile = writeDataset(t, dir, "train.json",
		[]string{"fix it", "fix it", "fix it", "fix it"})

	m := &fakeModel{perToken: 1.0}
	opt := &fakeOptimizer{}
	tr, err := NewTrainer(cfg, m, opt, wordTokenizer{}, zerolog.Nop())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Run(context.Background()))
	// 4 examples, physical batch 2, 3 epochs: 6 physical steps
	assert.Equal(t, 6, m.fbCalls)
}

func TestTrainerCancellation(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Data.TrainFile = writeDataset(t, dir, "train.json",
		[]string{"fix it", "fix it"})

	m := &fakeModel{perToken: 1.0}
	tr, err := NewTrainer(cfg, m, &fakeOptimizer{}, wordTokenizer{}, zerolog.Nop())
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Run(ctx), context.Canceled)
}
