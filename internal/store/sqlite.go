package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadops/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Claim atomicity
// comes from the primary key on claims(fingerprint) via INSERT OR IGNORE.
// Suitable for single-host deployments and tests; multi-replica setups
// should use the postgres backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS claims (
	fingerprint TEXT PRIMARY KEY,
	claimed_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT,
	source      TEXT NOT NULL,
	payload     TEXT NOT NULL,
	status      TEXT NOT NULL,
	result      TEXT,
	error       TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs(fingerprint);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_claims_claimed_at ON claims(claimed_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) TryClaim(ctx context.Context, fingerprint string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO claims (fingerprint, claimed_at) VALUES (?, ?)`,
		fingerprint, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: try claim")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: try claim rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) Release(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE fingerprint = ?`, fingerprint)
	return eris.Wrap(err, "sqlite: release claim")
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run model.Run) (*model.Run, error) {
	run.ID = uuid.New().String()
	run.CreatedAt = time.Now().UTC()

	var resultJSON []byte
	if run.Result != nil {
		var err error
		resultJSON, err = json.Marshal(run.Result)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal result")
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, fingerprint, source, payload, status, result, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullable(run.Fingerprint), run.Source, string(run.Payload),
		string(run.Status), nullableBytes(resultJSON), nullable(run.Error), run.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &run, nil
}

func (s *SQLiteStore) MostRecentSuccess(ctx context.Context, fingerprint string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, source, payload, status, result, error, created_at FROM runs
		 WHERE fingerprint = ? AND status = 'success'
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		fingerprint,
	)
	run, err := scanSQLiteRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: most recent success")
	}
	return run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, source, payload, status, result, error, created_at FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanSQLiteRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, fingerprint, source, payload, status, result, error, created_at FROM runs WHERE true`
	query, args := applySQLiteRunFilter(query, filter)
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	query := `SELECT COUNT(*) FROM runs WHERE true`
	query, args := applySQLiteRunFilter(query, filter)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, eris.Wrap(err, "sqlite: count runs")
	}
	return count, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, upd RunUpdate) (*model.Run, error) {
	existing, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, eris.Wrapf(ErrRunNotFound, "sqlite: update run %s", runID)
	}
	if existing.Status == model.RunStatusSuccess {
		return nil, eris.Wrapf(ErrRunImmutable, "sqlite: update run %s", runID)
	}

	var sets []string
	var args []any
	if upd.Status != nil {
		sets = append(sets, `status = ?`)
		args = append(args, string(*upd.Status))
	}
	if upd.Result != nil {
		resultJSON, err := json.Marshal(upd.Result)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal result")
		}
		sets = append(sets, `result = ?`)
		args = append(args, string(resultJSON))
	}
	if upd.Error != nil {
		sets = append(sets, `error = ?`)
		args = append(args, nullable(*upd.Error))
	}
	if len(sets) == 0 {
		return existing, nil
	}
	args = append(args, runID)

	query := `UPDATE runs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, eris.Wrapf(err, "sqlite: update run %s", runID)
	}
	return s.GetRun(ctx, runID)
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: delete run rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "sqlite: delete run %s", runID)
	}
	return nil
}

func (s *SQLiteStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM claims
		 WHERE claimed_at <= ?
		   AND fingerprint NOT IN (
		     SELECT fingerprint FROM runs WHERE status = 'success' AND fingerprint IS NOT NULL
		   )`,
		olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: release stale claims")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: release stale claims rows affected")
	}
	return int(n), nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*model.Run, error) {
	var r model.Run
	var fingerprint, errText, resultJSON *string
	var payload string

	if err := row.Scan(&r.ID, &fingerprint, &r.Source, &payload, &r.Status, &resultJSON, &errText, &r.CreatedAt); err != nil {
		return nil, err
	}
	if fingerprint != nil {
		r.Fingerprint = *fingerprint
	}
	if errText != nil {
		r.Error = *errText
	}
	r.Payload = json.RawMessage(payload)
	if resultJSON != nil {
		r.Result = &model.EnrichmentResult{}
		if err := json.Unmarshal([]byte(*resultJSON), r.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	return &r, nil
}

func applySQLiteRunFilter(query string, filter RunFilter) (string, []any) {
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Fingerprint != "" {
		query += ` AND fingerprint = ?`
		args = append(args, filter.Fingerprint)
	}
	if filter.Qualified != nil {
		query += ` AND result IS NOT NULL AND json_extract(result, '$.qualified') = ?`
		args = append(args, *filter.Qualified)
	}
	if filter.Search != "" {
		query += ` AND (id LIKE ? OR source LIKE ? OR error LIKE ?)`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter)
	}
	return query, args
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
