package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/runner"
)

var timeNow = time.Now

// Dialect selects placeholder syntax for a SQL backend.
type Dialect int

const (
	// QuestionMark uses ? placeholders (SQLite, MySQL).
	QuestionMark Dialect = iota
	// Dollar uses $1, $2, ... placeholders (PostgreSQL).
	Dollar
)

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if d != Dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store over database/sql. Timestamps are stored as Unix milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	closer  func() error
}

// NewSQLStore wraps db. closer runs on Close and defaults to db.Close.
func NewSQLStore(db *sql.DB, dialect Dialect, closer func() error) *SQLStore {
	if closer == nil {
		closer = db.Close
	}
	return &SQLStore{db: db, dialect: dialect, closer: closer}
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...); err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}
	return nil
}

// StartRun inserts a new run row.
func (s *SQLStore) StartRun(ctx context.Context, run Run) error {
	refs, err := json.Marshal(run.References)
	if err != nil {
		return fmt.Errorf("encoding references: %w", err)
	}
	return s.exec(ctx, `
		INSERT INTO runs (id, state, threshold, metric, refs, total, total_seen, matched,
			almost_matched, not_matched, errors, duplicates, elapsed_ms, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, 0, 0, ?, 0)
	`, run.ID, string(run.State), run.Threshold, run.Metric, string(refs), run.Stats.Total, toMillis(run.StartedAt))
}

// SaveResult inserts one categorized photo.
func (s *SQLStore) SaveResult(ctx context.Context, runID string, seq int, res match.Result) error {
	return s.exec(ctx, `
		INSERT INTO results (run_id, seq, candidate_path, tier, score, no_face, reference_path, faces)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, seq, res.CandidatePath, string(res.Tier), res.Score, res.NoFace, res.ReferencePath, res.Faces)
}

// SaveError inserts one failed photo.
func (s *SQLStore) SaveError(ctx context.Context, runID string, seq int, pe runner.PhotoError) error {
	return s.exec(ctx, `
		INSERT INTO photo_errors (run_id, seq, path, kind, message)
		VALUES (?, ?, ?, ?, ?)
	`, runID, seq, pe.Path, pe.Kind, pe.Error)
}

// FinishRun stores the final state and counters.
func (s *SQLStore) FinishRun(ctx context.Context, report *runner.Report) error {
	st := report.Stats
	return s.exec(ctx, `
		UPDATE runs SET state = ?, total = ?, total_seen = ?, matched = ?, almost_matched = ?,
			not_matched = ?, errors = ?, duplicates = ?, elapsed_ms = ?, finished_at = ?
		WHERE id = ?
	`, string(report.State), st.Total, st.TotalSeen, st.Matched, st.AlmostMatched,
		st.NotMatched, st.Errors, st.Duplicates, st.Elapsed.Milliseconds(), toMillis(report.FinishedAt), report.RunID)
}

const runColumns = `id, state, threshold, metric, refs, total, total_seen, matched,
	almost_matched, not_matched, errors, duplicates, elapsed_ms, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                                Run
		state, refs                      string
		elapsedMs, startedAt, finishedAt int64
	)
	err := row.Scan(&r.ID, &state, &r.Threshold, &r.Metric, &refs, &r.Stats.Total, &r.Stats.TotalSeen,
		&r.Stats.Matched, &r.Stats.AlmostMatched, &r.Stats.NotMatched, &r.Stats.Errors, &r.Stats.Duplicates,
		&elapsedMs, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	r.State = runner.State(state)
	if refs != "" {
		if err := json.Unmarshal([]byte(refs), &r.References); err != nil {
			return nil, fmt.Errorf("decoding references of run %s: %w", r.ID, err)
		}
	}
	r.Stats.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	r.Elapsed = r.Stats.Elapsed
	r.StartedAt = fromMillis(startedAt)
	r.FinishedAt = fromMillis(finishedAt)
	return &r, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, id LIMIT ?"), limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run or ErrNotFound.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind("SELECT "+runColumns+" FROM runs WHERE id = ?"), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return r, nil
}

// Results returns the results of a run in processing order.
func (s *SQLStore) Results(ctx context.Context, runID string, filter ResultFilter) ([]match.Result, error) {
	query := `SELECT candidate_path, tier, score, no_face, reference_path, faces FROM results WHERE run_id = ?`
	args := []any{runID}
	if filter.Tier != "" {
		query += " AND tier = ?"
		args = append(args, string(filter.Tier))
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []match.Result
	for rows.Next() {
		var (
			r    match.Result
			tier string
		)
		if err := rows.Scan(&r.CandidatePath, &tier, &r.Score, &r.NoFace, &r.ReferencePath, &r.Faces); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Tier = match.Tier(tier)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// Errors returns the failed photos of a run.
func (s *SQLStore) Errors(ctx context.Context, runID string) ([]runner.PhotoError, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		"SELECT path, kind, message FROM photo_errors WHERE run_id = ? ORDER BY seq"), runID)
	if err != nil {
		return nil, fmt.Errorf("query photo errors: %w", err)
	}
	defer rows.Close()

	var out []runner.PhotoError
	for rows.Next() {
		var pe runner.PhotoError
		if err := rows.Scan(&pe.Path, &pe.Kind, &pe.Error); err != nil {
			return nil, fmt.Errorf("scan photo error: %w", err)
		}
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate photo errors: %w", err)
	}
	return out, nil
}

// Close releases the database.
func (s *SQLStore) Close() error {
	if err := s.closer(); err != nil {
		return fmt.Errorf("closing database connection: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
