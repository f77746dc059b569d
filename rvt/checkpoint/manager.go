package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	internal "revtune/rvt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrPersistence reports a failed checkpoint write. The run must abort
// rather than continue training on an unsaved state: every "best" claim
// has to correspond to a persisted artifact.
var ErrPersistence = errors.New("checkpoint persistence failed")

// Kind names one of the four independently-tracked checkpoints.
type Kind string

const (
	KindLast        Kind = "last"
	KindBestPPL     Kind = "best-ppl"
	KindBestOverlap Kind = "best-overlap"
	KindBestQuality Kind = "best-quality"
)

// Dir returns the directory name for the kind under the output dir.
func (k Kind) Dir() string {
	switch k {
	case KindLast:
		return internal.CheckpointLastDir
	case KindBestPPL:
		return internal.CheckpointBestPPLDir
	case KindBestOverlap:
		return internal.CheckpointBestOverlapDir
	case KindBestQuality:
		return internal.CheckpointBestQualityDir
	}
	return string(k)
}

// Saver persists state into a directory. Both the model backend and the
// tokenizer satisfy this.
type Saver interface {
	Save(dir string) error
}

// Scores carries the metrics a checkpoint decision is keyed on.
type Scores struct {
	Step     int
	EvalLoss float64 // per-token; perplexity is monotone in it
	PPL      float64
	Overlap  float64 // n-gram precision metric
	Quality  float64 // mean of the three overlap F1s
}

type stateFile struct {
	RunID   string  `json:"run_id"`
	Step    int     `json:"step"`
	PPL     float64 `json:"ppl"`
	Overlap float64 `json:"overlap"`
	Quality float64 `json:"quality"`
	SavedAt string  `json:"saved_at"`
}

// Manager tracks the four running best values and persists checkpoints
// transactionally (write to a temporary directory, then rename).
type Manager struct {
	outputDir string
	runID     uuid.UUID
	logger    zerolog.Logger

	bestLoss    float64
	bestOverlap float64
	bestQuality float64
}

func NewManager(outputDir string, runID uuid.UUID, logger zerolog.Logger) *Manager {
	return &Manager{
		outputDir: outputDir,
		runID:     runID,
		logger:    logger,
		bestLoss:  math.Inf(1),
	}
}

// Update persists the `last` checkpoint unconditionally, then each `best`
// kind whose metric strictly improved. Returns the kinds written.
func (m *Manager) Update(s Scores, model Saver, tok Saver) ([]Kind, error) {
	saved := []Kind{KindLast}
	if err := m.persist(KindLast, s, model, tok); err != nil {
		return nil, err
	}

	if s.EvalLoss < m.bestLoss {
		m.bestLoss = s.EvalLoss
		if err := m.persist(KindBestPPL, s, model, tok); err != nil {
			return nil, err
		}
		m.logger.Info().Float64("ppl", s.PPL).Int("step", s.Step).Msg("saved best ppl checkpoint")
		saved = append(saved, KindBestPPL)
	}
	if s.Overlap > m.bestOverlap {
		m.bestOverlap = s.Overlap
		if err := m.persist(KindBestOverlap, s, model, tok); err != nil {
			return nil, err
		}
		m.logger.Info().Float64("overlap", s.Overlap).Int("step", s.Step).Msg("saved best overlap checkpoint")
		saved = append(saved, KindBestOverlap)
	}
	if s.Quality > m.bestQuality {
		m.bestQuality = s.Quality
		if err := m.persist(KindBestQuality, s, model, tok); err != nil {
			return nil, err
		}
		m.logger.Info().Float64("quality", s.Quality).Int("step", s.Step).Msg("saved best quality checkpoint")
		saved = append(saved, KindBestQuality)
	}
	return saved, nil
}

// Best returns the current best values (loss, overlap, quality).
func (m *Manager) Best() (float64, float64, float64) {
	return m.bestLoss, m.bestOverlap, m.bestQuality
}

func (m *Manager) persist(kind Kind, s Scores, model Saver, tok Saver) error {
	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersistence, kind, err)
	}
	tmp, err := os.MkdirTemp(m.outputDir, ".tmp-"+kind.Dir()+"-")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersistence, kind, err)
	}
	defer os.RemoveAll(tmp)

	if err := model.Save(tmp); err != nil {
		return fmt.Errorf("%w: %s: model state: %v", ErrPersistence, kind, err)
	}
	if err := tok.Save(filepath.Join(tmp, "tokenizer")); err != nil {
		return fmt.Errorf("%w: %s: tokenizer state: %v", ErrPersistence, kind, err)
	}

	state, err := json.MarshalIndent(stateFile{
		RunID:   m.runID.String(),
		Step:    s.Step,
		PPL:     s.PPL,
		Overlap: s.Overlap,
		Quality: s.Quality,
		SavedAt: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %s: state: %v", ErrPersistence, kind, err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "state.json"), state, 0o644); err != nil {
		return fmt.Errorf("%w: %s: state: %v", ErrPersistence, kind, err)
	}

	final := filepath.Join(m.outputDir, kind.Dir())
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersistence, kind, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersistence, kind, err)
	}
	return nil
}
