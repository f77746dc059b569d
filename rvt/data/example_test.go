package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExamplesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "examples.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadExamples(t *testing.T) {
	path := writeExamplesFile(t, `{"data": [
		{"idx": 7, "source_code": "  int x = 1 ; <newline> return x ;  ", "review_code": "int x = 2 ;", "comments": " rename x "},
		{"source_code": "foo()", "review_code": "bar()", "comments": "use bar"}
	]}`)

	examples, err := LoadExamples(path)
	require.NoError(t, err)
	require.Len(t, examples, 2)

	assert.Equal(t, 7, examples[0].ID)
	assert.Equal(t, "int x = 1 ; return x ;", examples[0].SourceCode)
	assert.Equal(t, "int x = 2 ;", examples[0].ReviewCode)
	assert.Equal(t, "rename x", examples[0].Target)

	// no idx: position fallback
	assert.Equal(t, 1, examples[1].ID)
}

func TestLoadExamplesIsRepeatable(t *testing.T) {
	path := writeExamplesFile(t, `{"data": [
		{"idx": 0, "source_code": "a", "review_code": "b", "comments": "c"}
	]}`)

	first, err := LoadExamples(path)
	require.NoError(t, err)
	second, err := LoadExamples(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadExamplesMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"data": [`,
		"missing data key": `{"records": []}`,
		"missing fields":   `{"data": [{"idx": 0, "source_code": "a"}]}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeExamplesFile(t, content)
			_, err := LoadExamples(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedInput)
		})
	}
}

func TestLoadExamplesMissingFile(t *testing.T) {
	_, err := LoadExamples(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedInput)
}
