package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadops/internal/db"
	"github.com/sells-group/leadops/internal/model"
)

// PostgresStore implements Store using pgxpool. Claim atomicity comes from
// the primary key on claims(fingerprint): INSERT ... ON CONFLICT DO NOTHING
// either creates the row or affects zero rows, with no read-modify-write
// window, and holds across any number of service replicas sharing the pool's
// database.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"try_claim":      `INSERT INTO claims (fingerprint, claimed_at) VALUES ($1, $2) ON CONFLICT (fingerprint) DO NOTHING`,
	"release_claim":  `DELETE FROM claims WHERE fingerprint = $1`,
	"insert_run":     `INSERT INTO runs (id, fingerprint, source, payload, status, result, error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"recent_success": `SELECT id, fingerprint, source, payload, status, result, error, created_at FROM runs WHERE fingerprint = $1 AND status = 'success' ORDER BY created_at DESC LIMIT 1`,
	"get_run":        `SELECT id, fingerprint, source, payload, status, result, error, created_at FROM runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS claims (
	fingerprint TEXT PRIMARY KEY,
	claimed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	fingerprint TEXT,
	source      TEXT NOT NULL,
	payload     JSONB NOT NULL,
	status      TEXT NOT NULL,
	result      JSONB,
	error       TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs(fingerprint);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_fp_success ON runs(fingerprint, created_at DESC) WHERE status = 'success';
CREATE INDEX IF NOT EXISTS idx_claims_claimed_at ON claims(claimed_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) TryClaim(ctx context.Context, fingerprint string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO claims (fingerprint, claimed_at) VALUES ($1, $2) ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: try claim")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, fingerprint string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM claims WHERE fingerprint = $1`, fingerprint)
	return eris.Wrap(err, "postgres: release claim")
}

func (s *PostgresStore) RecordRun(ctx context.Context, run model.Run) (*model.Run, error) {
	run.ID = uuid.New().String()
	run.CreatedAt = time.Now().UTC()

	var resultJSON []byte
	if run.Result != nil {
		var err error
		resultJSON, err = json.Marshal(run.Result)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal result")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, fingerprint, source, payload, status, result, error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, nullable(run.Fingerprint), run.Source, []byte(run.Payload),
		string(run.Status), resultJSON, nullable(run.Error), run.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &run, nil
}

func (s *PostgresStore) MostRecentSuccess(ctx context.Context, fingerprint string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, fingerprint, source, payload, status, result, error, created_at FROM runs
		 WHERE fingerprint = $1 AND status = 'success'
		 ORDER BY created_at DESC LIMIT 1`,
		fingerprint,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: most recent success")
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, fingerprint, source, payload, status, result, error, created_at FROM runs WHERE id = $1`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, fingerprint, source, payload, status, result, error, created_at FROM runs WHERE true`
	query, args := applyRunFilter(query, filter)
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	query := `SELECT COUNT(*) FROM runs WHERE true`
	query, args := applyRunFilter(query, filter)

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, eris.Wrap(err, "postgres: count runs")
	}
	return count, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, runID string, upd RunUpdate) (*model.Run, error) {
	existing, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, eris.Wrapf(ErrRunNotFound, "postgres: update run %s", runID)
	}
	if existing.Status == model.RunStatusSuccess {
		return nil, eris.Wrapf(ErrRunImmutable, "postgres: update run %s", runID)
	}

	query := `UPDATE runs SET`
	args := []any{}
	if upd.Status != nil {
		query += fmt.Sprintf(` status = $%d,`, len(args)+1)
		args = append(args, string(*upd.Status))
	}
	if upd.Result != nil {
		resultJSON, err := json.Marshal(upd.Result)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal result")
		}
		query += fmt.Sprintf(` result = $%d,`, len(args)+1)
		args = append(args, resultJSON)
	}
	if upd.Error != nil {
		query += fmt.Sprintf(` error = $%d,`, len(args)+1)
		args = append(args, nullable(*upd.Error))
	}
	if len(args) == 0 {
		return existing, nil
	}
	query = strings.TrimSuffix(query, ",") + fmt.Sprintf(` WHERE id = $%d`, len(args)+1)
	args = append(args, runID)

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return nil, eris.Wrapf(err, "postgres: update run %s", runID)
	}
	return s.GetRun(ctx, runID)
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "postgres: delete run %s", runID)
	}
	return nil
}

func (s *PostgresStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM claims c
		 WHERE c.claimed_at <= $1
		   AND NOT EXISTS (
		     SELECT 1 FROM runs r WHERE r.fingerprint = c.fingerprint AND r.status = 'success'
		   )`,
		olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: release stale claims")
	}
	return int(tag.RowsAffected()), nil
}

// scanRun scans a runs row from either QueryRow or Query iteration.
func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var fingerprint, errText *string
	var payload, resultJSON []byte

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
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	return &r, nil
}

// applyRunFilter appends WHERE clauses for the filter and returns the
// extended query with its args.
func applyRunFilter(query string, filter RunFilter) (string, []any) {
	args := []any{}

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, len(args)+1)
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, len(args)+1)
		args = append(args, filter.Source)
	}
	if filter.Fingerprint != "" {
		query += fmt.Sprintf(` AND fingerprint = $%d`, len(args)+1)
		args = append(args, filter.Fingerprint)
	}
	if filter.Qualified != nil {
		query += fmt.Sprintf(` AND result IS NOT NULL AND (result->>'qualified')::boolean = $%d`, len(args)+1)
		args = append(args, *filter.Qualified)
	}
	if filter.Search != "" {
		n := len(args) + 1
		query += fmt.Sprintf(` AND (id ILIKE $%d OR source ILIKE $%d OR error ILIKE $%d)`, n, n, n)
		args = append(args, "%"+filter.Search+"%")
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args)+1)
		args = append(args, filter.CreatedAfter)
	}
	return query, args
}

// nullable maps empty strings to NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
