// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/bulk-hydrator/internal/store"
)

// Schema creates the run history tables when absent.
const Schema = `
CREATE TABLE IF NOT EXISTS hydration_runs (
	id                UUID PRIMARY KEY,
	started_at        TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ,
	status            TEXT NOT NULL,
	total             BIGINT NOT NULL DEFAULT 0,
	hydrated          BIGINT NOT NULL DEFAULT 0,
	skipped           BIGINT NOT NULL DEFAULT 0,
	invalid           BIGINT NOT NULL DEFAULT 0,
	failed            BIGINT NOT NULL DEFAULT 0,
	enrichment_misses BIGINT NOT NULL DEFAULT 0,
	error_message     TEXT,
	last_update       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS run_outcomes (
	run_id       UUID NOT NULL REFERENCES hydration_runs (id) ON DELETE CASCADE,
	record_index INTEGER NOT NULL,
	record_id    TEXT,
	url          TEXT,
	status       TEXT NOT NULL,
	step         TEXT NOT NULL,
	error        TEXT,
	at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, record_index)
);`

const runColumns = `id, started_at, finished_at, status, total, hydrated, skipped, invalid, failed,
	enrichment_misses, error_message, last_update`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool pool
}

// NewRunStore connects a pool using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: p}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: p}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a running run or refreshes it when already present.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time, total int64) error {
	query := `
		INSERT INTO hydration_runs (id, started_at, status, total, last_update)
		VALUES ($1, $2, $3, $4, $2)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, total = EXCLUDED.total, last_update = EXCLUDED.last_update;
	`
	if _, err := s.pool.Exec(ctx, query, runID.String(), startedAt, string(store.RunRunning), total); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// AddRunCounts applies counter deltas.
func (s *RunStore) AddRunCounts(ctx context.Context, runID uuid.UUID, delta store.RunCounts, at time.Time) error {
	query := `
		UPDATE hydration_runs
		SET hydrated = hydrated + $1,
			skipped = skipped + $2,
			invalid = invalid + $3,
			failed = failed + $4,
			enrichment_misses = enrichment_misses + $5,
			last_update = $6
		WHERE id = $7;
	`
	res, err := s.pool.Exec(ctx, query,
		delta.Hydrated, delta.Skipped, delta.Invalid, delta.Failed, delta.EnrichmentMisses, at, runID.String())
	if err != nil {
		return fmt.Errorf("failed to update run counts: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordOutcomes inserts outcome rows. Re-recording the same record index is ignored.
func (s *RunStore) RecordOutcomes(ctx context.Context, runID uuid.UUID, outcomes []store.Outcome) error {
	query := `
		INSERT INTO run_outcomes (run_id, record_index, record_id, url, status, step, error, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, record_index) DO NOTHING;
	`
	for _, o := range outcomes {
		if _, err := s.pool.Exec(ctx, query,
			runID.String(), o.Index, o.RecordID, o.URL, o.Status, o.Step, o.Error, o.At); err != nil {
			return fmt.Errorf("failed to insert outcome %d: %w", o.Index, err)
		}
	}
	return nil
}

// CompleteRun marks a run as finished.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE hydration_runs
		SET finished_at = $1, status = $2, error_message = $3, last_update = $1
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, string(status), errMsg, runID.String()); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM hydration_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM hydration_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	var filter *string
	if status != nil {
		value := string(*status)
		filter = &value
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListOutcomes retrieves outcome rows of a run in record order.
func (s *RunStore) ListOutcomes(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.Outcome, error) {
	query := `
		SELECT record_index, record_id, url, status, step, error, at
		FROM run_outcomes
		WHERE run_id = $1
		ORDER BY record_index
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []store.Outcome
	for rows.Next() {
		o := store.Outcome{RunID: runID}
		if err := rows.Scan(&o.Index, &o.RecordID, &o.URL, &o.Status, &o.Step, &o.Error, &o.At); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outcomes: %w", err)
	}
	return outcomes, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		id     string
		status string
	)
	err := row.Scan(
		&id,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Total,
		&run.Counts.Hydrated,
		&run.Counts.Skipped,
		&run.Counts.Invalid,
		&run.Counts.Failed,
		&run.Counts.EnrichmentMisses,
		&run.ErrorMessage,
		&run.LastUpdate,
	)
	if err != nil {
		return store.Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.Run{}, fmt.Errorf("parse run id: %w", err)
	}
	run.ID = parsed
	run.Status = store.RunStatus(status)
	return run, nil
}
