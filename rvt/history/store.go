package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
)

// Store keeps a row per evaluation pass so checkpoint decisions can be
// audited after the run. Checkpoints themselves remain the source of
// truth; losing this table loses only bookkeeping.
type Store struct {
	db *sql.DB
}

// Entry is one evaluation record.
type Entry struct {
	RunID      uuid.UUID
	Step       int
	PPL        float64
	BLEU       float64
	Quality    float64
	ExactMatch float64
	TakenAt    time.Time
}

// Open connects to the history database and creates the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY UNIQUE,
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		ppl REAL,
		bleu REAL,
		quality REAL,
		exact_match REAL,
		taken_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create evaluations table: %w", err)
	}
	return nil
}

// Record inserts one evaluation row.
func (s *Store) Record(e Entry) error {
	takenAt := e.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO evaluations (id, run_id, step, ppl, bleu, quality, exact_match, taken_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), e.RunID.String(), e.Step, e.PPL, e.BLEU, e.Quality, e.ExactMatch,
		takenAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("error inserting evaluation row: %w", err)
	}
	return nil
}

// ForRun returns all evaluation rows for a run, in step order.
func (s *Store) ForRun(runID uuid.UUID) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT run_id, step, ppl, bleu, quality, exact_match, taken_at
		 FROM evaluations WHERE run_id = $1 ORDER BY step`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("error querying evaluations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var rid, taken string
		if err := rows.Scan(&rid, &e.Step, &e.PPL, &e.BLEU, &e.Quality, &e.ExactMatch, &taken); err != nil {
			return nil, fmt.Errorf("error scanning evaluation row: %w", err)
		}
		if id, perr := uuid.Parse(rid); perr == nil {
			e.RunID = id
		}
		if t, terr := time.Parse(time.RFC3339, taken); terr == nil {
			e.TakenAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
