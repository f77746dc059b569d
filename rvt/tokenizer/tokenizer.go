package tokenizer

import (
	"fmt"
)

// Tokenizer converts raw text to subword tokens and token IDs for the
// seq2seq model, and decodes generated IDs back to text.
type Tokenizer interface {
	// Tokenize splits text into subword tokens, without special tokens.
	Tokenize(text string) ([]string, error)
	// TokensToIDs maps tokens to vocabulary IDs; unknown tokens map to
	// the unknown-token ID.
	TokensToIDs(tokens []string) []int64
	// Decode converts IDs back to text. When skipSpecial is true,
	// special tokens are stripped from the output.
	Decode(ids []int64, skipSpecial bool) string
	// EOSToken and EOSID identify the end-of-sequence marker appended
	// during featurization and used to cut generated sequences.
	EOSToken() string
	EOSID() int64
	// Save persists the tokenizer state into dir.
	Save(dir string) error
}

// Config holds basic tokenizer settings
type Config struct {
	VocabPath string
	MaxSeqLen int
}

// ErrUnsupported indicates the tokenizer could not be initialized
var ErrUnsupported = fmt.Errorf("unsupported tokenizer configuration")
