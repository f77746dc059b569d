package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// markerSaver writes a single marker file so tests can verify which
// state version a checkpoint directory holds.
type markerSaver struct {
	name    string
	content string
	fail    bool
}

func (s *markerSaver) Save(dir string) error {
	if s.fail {
		return os.ErrPermission
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, s.name), []byte(s.content), 0o644)
}

func kindsOf(saved []Kind) []string {
	out := make([]string, len(saved))
	for i, k := range saved {
		out[i] = string(k)
	}
	return out
}

func TestManagerUpdateSequence(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, uuid.New(), zerolog.Nop())
	mod := &markerSaver{name: "weights.bin", content: "v1"}
	tok := &markerSaver{name: "vocab.txt", content: "v"}

	// first evaluation: everything is a new best
	saved, err := m.Update(Scores{Step: 1, EvalLoss: 2.0, PPL: 7.39, Overlap: 0.5, Quality: 0.4}, mod, tok)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"last", "best-ppl", "best-overlap", "best-quality"}, kindsOf(saved))

	// lower loss only: ppl checkpoint refreshes, overlap and quality do not
	mod.content = "v2"
	saved, err = m.Update(Scores{Step: 2, EvalLoss: 1.5, PPL: 4.48, Overlap: 0.4, Quality: 0.3}, mod, tok)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"last", "best-ppl"}, kindsOf(saved))

	// higher overlap and quality only
	mod.content = "v3"
	saved, err = m.Update(Scores{Step: 3, EvalLoss: 1.8, PPL: 6.05, Overlap: 0.6, Quality: 0.5}, mod, tok)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"last", "best-overlap", "best-quality"}, kindsOf(saved))

	readMarker := func(kind Kind) string {
		b, err := os.ReadFile(filepath.Join(dir, kind.Dir(), "weights.bin"))
		require.NoError(t, err)
		return string(b)
	}
	assert.Equal(t, "v3", readMarker(KindLast))
	assert.Equal(t, "v2", readMarker(KindBestPPL))
	assert.Equal(t, "v3", readMarker(KindBestOverlap))
	assert.Equal(t, "v3", readMarker(KindBestQuality))

	// equal score does not refresh a best checkpoint
	mod.content = "v4"
	saved, err = m.Update(Scores{Step: 4, EvalLoss: 1.5, PPL: 4.48, Overlap: 0.6, Quality: 0.5}, mod, tok)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"last"}, kindsOf(saved))
	assert.Equal(t, "v2", readMarker(KindBestPPL))
	assert.Equal(t, "v3", readMarker(KindBestOverlap))
}

func TestManagerCheckpointLayout(t *testing.T) {
	dir := t.TempDir()
	runID := uuid.New()
	m := NewManager(dir, runID, zerolog.Nop())
	mod := &markerSaver{name: "weights.bin", content: "w"}
	tok := &markerSaver{name: "vocab.txt", content: "v"}

	_, err := m.Update(Scores{Step: 5, EvalLoss: 1.0, PPL: 2.72, Overlap: 0.1, Quality: 0.2}, mod, tok)
	require.NoError(t, err)

	ckptDir := filepath.Join(dir, KindLast.Dir())
	assert.FileExists(t, filepath.Join(ckptDir, "weights.bin"))
	assert.FileExists(t, filepath.Join(ckptDir, "tokenizer", "vocab.txt"))

	raw, err := os.ReadFile(filepath.Join(ckptDir, "state.json"))
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, runID.String(), state["run_id"])
	assert.Equal(t, float64(5), state["step"])
	assert.InDelta(t, 2.72, state["ppl"].(float64), 1e-9)

	// no temp directories survive a successful persist
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), e.Name())
	}
}

func TestManagerPersistFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, uuid.New(), zerolog.Nop())
	mod := &markerSaver{name: "weights.bin", fail: true}
	tok := &markerSaver{name: "vocab.txt"}

	_, err := m.Update(Scores{Step: 1, EvalLoss: 1.0}, mod, tok)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	// the failed write leaves no final checkpoint behind
	assert.NoDirExists(t, filepath.Join(dir, KindLast.Dir()))
}
