// Package store keeps the timing QC of a session in SQLite: one row per
// played trial and the marker log that produced it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-stimulus/marker"
	"go-stimulus/sequencer"
	"go-stimulus/trial"

	_ "modernc.org/sqlite" // SQLite driver.
)

// flushAt bounds how many markers are buffered between transactions.
const flushAt = 512

// Store wraps SQLite access for session QC.
type Store struct {
	db      *sql.DB
	session int64

	flushMu sync.Mutex // serializes flushes so rows keep their order

	mu      sync.Mutex
	pending []marker.Marker
	trials  []trialRow
}

type trialRow struct {
	sc trial.SessionContext
	r  sequencer.Result
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes buffered markers, ends the session and closes the database.
func (s *Store) Close() error {
	ferr := s.Flush()
	if s.session != 0 {
		if _, err := s.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`,
			time.Now().Format(time.RFC3339Nano), s.session); err != nil && ferr == nil {
			ferr = err
		}
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return ferr
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY,
			subject TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS trials (
			session_id INTEGER NOT NULL,
			block INTEGER NOT NULL,
			run INTEGER NOT NULL,
			trial INTEGER NOT NULL,
			condition INTEGER NOT NULL,
			target INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			invalid INTEGER NOT NULL,
			overruns INTEGER NOT NULL,
			max_lateness_us INTEGER NOT NULL,
			slips INTEGER NOT NULL,
			write_errors INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			elapsed_us INTEGER NOT NULL,
			aborted INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS markers (
			session_id INTEGER NOT NULL,
			at TEXT NOT NULL,
			tag TEXT NOT NULL,
			block INTEGER NOT NULL,
			run INTEGER NOT NULL,
			trial INTEGER NOT NULL,
			condition INTEGER NOT NULL,
			target INTEGER NOT NULL,
			step INTEGER NOT NULL,
			vector TEXT NOT NULL,
			text TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trials_session ON trials(session_id, condition);`,
		`CREATE INDEX IF NOT EXISTS idx_markers_session ON markers(session_id, tag);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Begin starts a session row. Trials and markers written afterwards belong
// to it.
func (s *Store) Begin(ctx context.Context, subject string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sessions (subject, started_at) VALUES (?, ?)`,
		subject, at.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.session = id
	return id, nil
}

// RecordTrial queues the timing result of one trial. It never touches the
// database: the row is written with the next marker flush, on the bus
// goroutine, so the caller can be the timing loop.
func (s *Store) RecordTrial(sc trial.SessionContext, r sequencer.Result) {
	s.mu.Lock()
	s.trials = append(s.trials, trialRow{sc: sc, r: r})
	s.mu.Unlock()
}

func (s *Store) Name() string { return "qc" }

// Write buffers m; trial and run boundaries flush the buffer in one
// transaction so step markers never hold up the bus.
func (s *Store) Write(m *marker.Marker) error {
	s.mu.Lock()
	s.pending = append(s.pending, *m)
	n := len(s.pending)
	s.mu.Unlock()
	switch {
	case n >= flushAt, m.Tag == marker.TrialEnd, m.Tag == marker.RunEnd, m.Tag == marker.BlockEnd:
		return s.Flush()
	}
	return nil
}

// Flush writes buffered markers and queued trials in one transaction.
func (s *Store) Flush() (err error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	batch, trials := s.pending, s.trials
	s.pending, s.trials = nil, nil
	s.mu.Unlock()
	if len(batch) == 0 && len(trials) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = s.insertMarkers(tx, batch); err != nil {
		return err
	}
	if err = s.insertTrials(tx, trials); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertMarkers(tx *sql.Tx, batch []marker.Marker) error {
	if len(batch) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO markers (session_id, at, tag, block, run, trial, condition, target, step, vector, text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var vec strings.Builder
	for i := range batch {
		m := &batch[i]
		vec.Reset()
		for j, v := range m.Bits() {
			if j > 0 {
				vec.WriteByte(',')
			}
			fmt.Fprint(&vec, v)
		}
		if _, err := stmt.Exec(s.session, m.At.Format(time.RFC3339Nano), m.Tag.String(),
			m.Scope.Block, m.Scope.Run, m.Scope.Trial, m.Scope.Condition, m.Target, m.Step,
			vec.String(), m.Text); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertTrials(tx *sql.Tx, trials []trialRow) error {
	if len(trials) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO trials (session_id, block, run, trial, condition, target, steps, invalid, overruns,
			max_lateness_us, slips, write_errors, started_at, elapsed_us, aborted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range trials {
		sc, r := t.sc, t.r
		if _, err := stmt.Exec(s.session, sc.Block, sc.Run, sc.Trial, sc.Condition, sc.Target,
			r.Steps, r.Invalid, r.Overruns, r.MaxLateness.Microseconds(), r.Slips, r.WriteErrors,
			r.Start.Format(time.RFC3339Nano), r.Elapsed.Microseconds(), r.Aborted); err != nil {
			return err
		}
	}
	return nil
}

// ConditionQC aggregates trial timing for one condition.
type ConditionQC struct {
	Condition   int
	Trials      int
	Steps       int
	Invalid     int
	Overruns    int
	Slips       int
	MaxLateness time.Duration
	Aborted     int
}

// Summary aggregates the trials of session, or of the current session when
// session is 0. Queued trials are flushed first.
func (s *Store) Summary(ctx context.Context, session int64) ([]ConditionQC, error) {
	if session == 0 {
		session = s.session
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT condition, COUNT(*), SUM(steps), SUM(invalid), SUM(overruns), SUM(slips),
			MAX(max_lateness_us), SUM(aborted)
		 FROM trials WHERE session_id = ?
		 GROUP BY condition ORDER BY condition`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConditionQC
	for rows.Next() {
		var q ConditionQC
		var lateUS int64
		if err := rows.Scan(&q.Condition, &q.Trials, &q.Steps, &q.Invalid, &q.Overruns, &q.Slips,
			&lateUS, &q.Aborted); err != nil {
			return nil, err
		}
		q.MaxLateness = time.Duration(lateUS) * time.Microsecond
		out = append(out, q)
	}
	return out, rows.Err()
}

// LastSession returns the id of the most recent session, 0 if none.
func (s *Store) LastSession(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM sessions`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// CountMarkers counts stored markers of a tag in the current session.
func (s *Store) CountMarkers(ctx context.Context, tag marker.Tag) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM markers WHERE session_id = ? AND tag = ?`,
		s.session, tag.String()).Scan(&n)
	return n, err
}
