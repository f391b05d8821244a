// Package manifest persists per-stage pipeline progress in a sqlite
// database, enabling resume-from-failure instead of full restart and the
// status subcommand. The manifest is advisory: losing it never corrupts a
// run, it only forces stages to re-execute.
package manifest

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Stage status values stored in run_stages.
const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run status values stored in runs.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunFailed   = "failed"
)

// Store wraps the manifest database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the manifest at path and applies any
// pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating manifest schema: %w", err)
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Run is a handle for recording one pipeline run's progress. It satisfies
// the orchestrator's RunRecorder interface.
type Run struct {
	store     *Store
	ID        string
	Accession string
}

// BeginRun registers a new run for the accession and returns its handle.
func (s *Store) BeginRun(accession string) (*Run, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, accession, status) VALUES (?, ?, ?)`,
		id, accession, RunRunning,
	)
	if err != nil {
		return nil, err
	}
	return &Run{store: s, ID: id, Accession: accession}, nil
}

// StageCompleted upserts a complete record for the stage.
func (r *Run) StageCompleted(stage string, d time.Duration) error {
	_, err := r.store.db.Exec(`
		INSERT INTO run_stages (run_id, stage, status, duration_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			status = excluded.status,
			duration_ms = excluded.duration_ms,
			detail = NULL,
			recorded_at = CURRENT_TIMESTAMP`,
		r.ID, stage, StatusComplete, d.Milliseconds(),
	)
	return err
}

// StageFailed upserts a failed record with the failure reason.
func (r *Run) StageFailed(stage string, reason string) error {
	_, err := r.store.db.Exec(`
		INSERT INTO run_stages (run_id, stage, status, detail)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			recorded_at = CURRENT_TIMESTAMP`,
		r.ID, stage, StatusFailed, reason,
	)
	return err
}

// CompletedStages returns every stage any prior run of this accession has
// recorded as complete. The orchestrator re-checks the outputs on disk
// before trusting an entry.
func (r *Run) CompletedStages() (map[string]bool, error) {
	rows, err := r.store.db.Query(`
		SELECT DISTINCT rs.stage
		FROM run_stages rs
		JOIN runs ON runs.run_id = rs.run_id
		WHERE runs.accession = ? AND rs.status = ?`,
		r.Accession, StatusComplete,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	completed := map[string]bool{}
	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, err
		}
		completed[stage] = true
	}
	return completed, rows.Err()
}

// Finish marks the run's terminal status.
func (r *Run) Finish(status string) error {
	_, err := r.store.db.Exec(
		`UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP WHERE run_id = ?`,
		status, r.ID,
	)
	return err
}

// StageState is one row of a status report.
type StageState struct {
	Stage      string
	Status     string
	DurationMs int64
	Detail     string
	RecordedAt time.Time
}

// AccessionStatus returns the latest recorded state per stage for an
// accession, across all of its runs, newest record winning.
func (s *Store) AccessionStatus(accession string) ([]StageState, error) {
	rows, err := s.db.Query(`
		SELECT rs.stage, rs.status,
		       COALESCE(rs.duration_ms, 0), COALESCE(rs.detail, ''),
		       rs.recorded_at
		FROM run_stages rs
		JOIN runs ON runs.run_id = rs.run_id
		WHERE runs.accession = ?
		ORDER BY rs.recorded_at`,
		accession,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := map[string]StageState{}
	order := []string{}
	for rows.Next() {
		var st StageState
		if err := rows.Scan(&st.Stage, &st.Status, &st.DurationMs, &st.Detail, &st.RecordedAt); err != nil {
			return nil, err
		}
		if _, seen := latest[st.Stage]; !seen {
			order = append(order, st.Stage)
		}
		latest[st.Stage] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	states := make([]StageState, 0, len(order))
	for _, stage := range order {
		states = append(states, latest[stage])
	}
	return states, nil
}
