// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/progress-coordinator/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "run_history"

// RunStoreConfig controls the Postgres connection pool used for run history.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool  querier
	table string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool querier, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the history table when it does not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	outcome     TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	stages      JSONB NOT NULL,
	totals      JSONB NOT NULL,
	archive_uri TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure %s schema: %w", s.table, err)
	}
	return nil
}

// SaveRun upserts a finished run.
func (s *RunStore) SaveRun(ctx context.Context, rec store.RunRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if rec.ID == "" {
		return fmt.Errorf("run id is required")
	}
	stagesJSON, err := json.Marshal(nonNilStages(rec.Stages))
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	totalsJSON, err := json.Marshal(nonNilTotals(rec.Totals))
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	outcome,
	started_at,
	finished_at,
	stages,
	totals,
	archive_uri
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)
ON CONFLICT (id) DO UPDATE SET
	outcome = EXCLUDED.outcome,
	finished_at = EXCLUDED.finished_at,
	stages = EXCLUDED.stages,
	totals = EXCLUDED.totals,
	archive_uri = COALESCE(EXCLUDED.archive_uri, %s.archive_uri)`, s.table, s.table)

	args := []any{
		rec.ID,
		string(rec.Outcome),
		rec.StartedAt,
		rec.FinishedAt,
		stagesJSON,
		totalsJSON,
		rec.ArchiveURI,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by id.
func (s *RunStore) GetRun(ctx context.Context, id string) (store.RunRecord, error) {
	query := fmt.Sprintf(`
SELECT id, outcome, started_at, finished_at, stages, totals, archive_uri
FROM %s
WHERE id = $1`, s.table)
	rec, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// ListRuns retrieves runs, newest first, with optional outcome filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	outcome *store.RunOutcome,
	limit,
	offset int,
) ([]store.RunRecord, error) {
	query := fmt.Sprintf(`
SELECT id, outcome, started_at, finished_at, stages, totals, archive_uri
FROM %s
WHERE ($1::text IS NULL OR outcome = $1)
ORDER BY finished_at DESC
LIMIT $2 OFFSET $3`, s.table)
	var filter *string
	if outcome != nil {
		v := string(*outcome)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.RunRecord, error) {
	var (
		rec        store.RunRecord
		outcome    string
		stagesJSON []byte
		totalsJSON []byte
	)
	if err := row.Scan(
		&rec.ID,
		&outcome,
		&rec.StartedAt,
		&rec.FinishedAt,
		&stagesJSON,
		&totalsJSON,
		&rec.ArchiveURI,
	); err != nil {
		return store.RunRecord{}, err
	}
	rec.Outcome = store.RunOutcome(outcome)
	if len(stagesJSON) > 0 {
		if err := json.Unmarshal(stagesJSON, &rec.Stages); err != nil {
			return store.RunRecord{}, fmt.Errorf("decode stages: %w", err)
		}
	}
	if len(totalsJSON) > 0 {
		if err := json.Unmarshal(totalsJSON, &rec.Totals); err != nil {
			return store.RunRecord{}, fmt.Errorf("decode totals: %w", err)
		}
	}
	return rec, nil
}

func nonNilStages(stages []store.StageRecord) []store.StageRecord {
	if stages == nil {
		return []store.StageRecord{}
	}
	return stages
}

func nonNilTotals(totals map[string]int64) map[string]int64 {
	if totals == nil {
		return map[string]int64{}
	}
	return totals
}
