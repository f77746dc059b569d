package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// reviewTag marks reviewer-annotated spans in the source text; it is
// registered as an additional special token so it survives decoding intact.
const reviewTag = "<review_tag>"

// SugarTokenizer wraps a sugarme/tokenizer WordPiece vocabulary.
// Special-token post-processing is disabled: the featurization pipeline
// appends EOS itself and controls padding on both sides.
type SugarTokenizer struct {
	t         *tk.Tokenizer
	vocabPath string
	eosToken  string
	eosID     int64
	unkID     int64
}

// NewSugarTokenizer loads a vocab file (or a directory holding vocab.txt)
// and builds the tokenizer. EOS resolves to "</s>" when the vocabulary has
// one, otherwise "[SEP]".
func NewSugarTokenizer(vocabPath string) (*SugarTokenizer, error) {
	resolved := vocabPath
	if fi, err := os.Stat(vocabPath); err == nil && fi.IsDir() {
		resolved = filepath.Join(vocabPath, "vocab.txt")
	}
	if _, err := os.Stat(resolved); err != nil {
		return nil, fmt.Errorf("tokenizer vocab %s: %w", resolved, err)
	}

	wp, err := wordpiece.NewWordPieceFromFile(resolved, "[UNK]")
	if err != nil {
		builder := wordpiece.NewWordPieceBuilder().Files(resolved)
		wp = builder.Build()
	}

	t := tk.NewTokenizer(wp)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	t.AddSpecialTokens([]tk.AddedToken{tk.NewAddedToken(reviewTag, true)})

	s := &SugarTokenizer{t: t, vocabPath: resolved}

	for _, cand := range []string{"</s>", "[SEP]"} {
		if id, ok := t.TokenToId(cand); ok {
			s.eosToken = cand
			s.eosID = int64(id)
			break
		}
	}
	if s.eosToken == "" {
		return nil, fmt.Errorf("%w: vocabulary lacks an end-of-sequence token", ErrUnsupported)
	}
	if id, ok := t.TokenToId("[UNK]"); ok {
		s.unkID = int64(id)
	}

	return s, nil
}

func (s *SugarTokenizer) Tokenize(text string) ([]string, error) {
	enc, err := s.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(text)), false)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	return enc.GetTokens(), nil
}

func (s *SugarTokenizer) TokensToIDs(tokens []string) []int64 {
	ids := make([]int64, len(tokens))
	for i, tok := range tokens {
		if id, ok := s.t.TokenToId(tok); ok {
			ids[i] = int64(id)
		} else {
			ids[i] = s.unkID
		}
	}
	return ids
}

func (s *SugarTokenizer) Decode(ids []int64, skipSpecial bool) string {
	raw := make([]int, len(ids))
	for i, id := range ids {
		raw[i] = int(id)
	}
	return s.t.Decode(raw, skipSpecial)
}

func (s *SugarTokenizer) EOSToken() string { return s.eosToken }

func (s *SugarTokenizer) EOSID() int64 { return s.eosID }

// Save copies the vocabulary into dir so a checkpoint can be reloaded
// without the original tokenizer location.
func (s *SugarTokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tokenizer dir: %w", err)
	}
	data, err := os.ReadFile(s.vocabPath)
	if err != nil {
		return fmt.Errorf("read vocab: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vocab.txt"), data, 0o644); err != nil {
		return fmt.Errorf("write vocab: %w", err)
	}
	return nil
}
