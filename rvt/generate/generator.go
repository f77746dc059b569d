package generate

import (
	"context"
	"fmt"

	"revtune/rvt/data"
	"revtune/rvt/model"
	"revtune/rvt/tokenizer"
)

// Generator wraps a model's beam-search decoding and converts the raw
// token-id hypotheses to text. Candidates come back in contiguous order,
// NumReturnSequences per example, ranked by the decoder's own score.
type Generator struct {
	model model.Model
	tok   tokenizer.Tokenizer
	opts  model.GenerateOptions
}

func New(m model.Model, tok tokenizer.Tokenizer, opts model.GenerateOptions) *Generator {
	opts.EOSID = tok.EOSID()
	return &Generator{model: m, tok: tok, opts: opts}
}

// Generate decodes one batch and returns candidate texts, one string per
// (example, candidate) pair.
func (g *Generator) Generate(ctx context.Context, b *data.Batch) ([]string, error) {
	seqs, err := g.model.Generate(ctx, b, g.opts)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	want := b.Size() * g.opts.NumReturnSequences
	if len(seqs) != want {
		return nil, fmt.Errorf("generate: got %d sequences for %d expected", len(seqs), want)
	}
	texts := make([]string, len(seqs))
	for i, seq := range seqs {
		texts[i] = PostProcess(seq, g.tok)
	}
	return texts, nil
}

// PostProcess truncates a generated sequence at the first end-of-sequence
// id (keeping the full sequence when absent) and decodes it to text with
// special tokens stripped.
func PostProcess(ids []int64, tok tokenizer.Tokenizer) string {
	eos := tok.EOSID()
	cut := ids
	for i, id := range ids {
		if id == eos {
			cut = ids[:i]
			break
		}
	}
	return tok.Decode(cut, true)
}
