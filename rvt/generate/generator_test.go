package generate

import (
	"context"
	"strings"
	"testing"

	"revtune/rvt/data"
	"revtune/rvt/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vocabTokenizer maps a fixed word list to ids 10, 11, ... with EOS id 1.
type vocabTokenizer struct {
	words []string
}

func (v vocabTokenizer) Tokenize(text string) ([]string, error) {
	return strings.Fields(text), nil
}

func (v vocabTokenizer) TokensToIDs(tokens []string) []int64 {
	ids := make([]int64, len(tokens))
	for i, tok := range tokens {
		ids[i] = 0
		for j, w := range v.words {
			if w == tok {
				ids[i] = int64(10 + j)
				break
			}
		}
	}
	return ids
}

func (v vocabTokenizer) Decode(ids []int64, skipSpecial bool) string {
	var out []string
	for _, id := range ids {
		if id < 10 || int(id-10) >= len(v.words) {
			if skipSpecial {
				continue
			}
			out = append(out, "[UNK]")
			continue
		}
		out = append(out, v.words[id-10])
	}
	return strings.Join(out, " ")
}

func (v vocabTokenizer) EOSToken() string      { return "</s>" }
func (v vocabTokenizer) EOSID() int64          { return 1 }
func (v vocabTokenizer) Save(dir string) error { return nil }

// seqModel returns canned token sequences from Generate.
type seqModel struct {
	seqs [][]int64
}

func (s seqModel) Forward(ctx context.Context, b *data.Batch) (model.Output, error) {
	return model.Output{}, nil
}

func (s seqModel) ForwardBackward(ctx context.Context, b *data.Batch, lossScale float64) (model.Output, error) {
	return model.Output{}, nil
}

func (s seqModel) Generate(ctx context.Context, b *data.Batch, opts model.GenerateOptions) ([][]int64, error) {
	return s.seqs, nil
}

func (s seqModel) Save(dir string) error { return nil }

func TestPostProcessCutsAtEOS(t *testing.T) {
	tok := vocabTokenizer{words: []string{"fix", "the", "loop", "junk"}}

	// ids after EOS are dropped
	assert.Equal(t, "fix the loop", PostProcess([]int64{10, 11, 12, 1, 13}, tok))

	// no EOS: the whole sequence decodes
	assert.Equal(t, "fix the loop junk", PostProcess([]int64{10, 11, 12, 13}, tok))

	assert.Equal(t, "", PostProcess([]int64{1}, tok))
}

func TestGeneratorShapeCheck(t *testing.T) {
	tok := vocabTokenizer{words: []string{"ok"}}
	b := data.Batch{ExampleIDs: []int{0, 1}}

	g := New(seqModel{seqs: [][]int64{{10, 1}, {10, 1}}}, tok, model.GenerateOptions{NumReturnSequences: 1})
	texts, err := g.Generate(context.Background(), &b)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "ok"}, texts)

	// wrong sequence count for the batch is an error
	g = New(seqModel{seqs: [][]int64{{10, 1}}}, tok, model.GenerateOptions{NumReturnSequences: 1})
	_, err = g.Generate(context.Background(), &b)
	assert.Error(t, err)
}
