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

	"github.com/JakeFAU/marmelspade/internal/store"
)

// HistoryStoreConfig controls the Postgres connection pool used for run history.
type HistoryStoreConfig struct {
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

// HistoryStore implements store.HistoryRepository using Postgres.
type HistoryStore struct {
	pool pool
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore connects to Postgres using the provided config.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("history.dsn is required")
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
	return &HistoryStore{pool: p}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(p pool) (*HistoryStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &HistoryStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS harvest_runs (
	id            UUID PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS harvest_root_stats (
	run_id      UUID NOT NULL REFERENCES harvest_runs (id) ON DELETE CASCADE,
	root        TEXT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	directories BIGINT NOT NULL DEFAULT 0,
	failures    BIGINT NOT NULL DEFAULT 0,
	records     BIGINT NOT NULL DEFAULT 0,
	objects     BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, root)
);
CREATE TABLE IF NOT EXISTS harvest_node_failures (
	run_id    UUID NOT NULL REFERENCES harvest_runs (id) ON DELETE CASCADE,
	root      TEXT NOT NULL,
	path      TEXT NOT NULL,
	error     TEXT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS harvest_node_failures_run_idx ON harvest_node_failures (run_id, failed_at);
`

// EnsureSchema creates the history tables when missing.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a running run, or resets a re-delivered start.
func (s *HistoryStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO harvest_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE harvest_runs.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *HistoryStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE harvest_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

// UpsertRootStats adds delta to the (run, root) aggregate.
func (s *HistoryStore) UpsertRootStats(
	ctx context.Context,
	runID uuid.UUID,
	root string,
	delta store.RootDelta,
	at time.Time,
) error {
	query := `
		INSERT INTO harvest_root_stats (run_id, root, last_update, directories, failures, records, objects)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, root) DO UPDATE
		SET last_update = GREATEST(harvest_root_stats.last_update, EXCLUDED.last_update),
			directories = harvest_root_stats.directories + EXCLUDED.directories,
			failures = harvest_root_stats.failures + EXCLUDED.failures,
			records = harvest_root_stats.records + EXCLUDED.records,
			objects = harvest_root_stats.objects + EXCLUDED.objects;
	`
	_, err := s.pool.Exec(ctx, query,
		runID,
		root,
		at,
		delta.Directories,
		delta.Failures,
		delta.Records,
		delta.Objects,
	)
	if err != nil {
		return fmt.Errorf("upsert root stats: %w", err)
	}
	return nil
}

// RecordNodeFailure appends a skipped directory.
func (s *HistoryStore) RecordNodeFailure(ctx context.Context, failure store.NodeFailure) error {
	query := `
		INSERT INTO harvest_node_failures (run_id, root, path, error, failed_at)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := s.pool.Exec(ctx, query, failure.RunID, failure.Root, failure.Path, failure.Error, failure.At)
	if err != nil {
		return fmt.Errorf("record node failure: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *HistoryStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM harvest_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *HistoryStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM harvest_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunRoots retrieves per-root aggregates for a run.
func (s *HistoryStore) ListRunRoots(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.RootStats, error) {
	query := `
		SELECT run_id, root, last_update, directories, failures, records, objects
		FROM harvest_root_stats
		WHERE run_id = $1
		ORDER BY root ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list run roots: %w", err)
	}
	defer rows.Close()

	var stats []store.RootStats
	for rows.Next() {
		var st store.RootStats
		err := rows.Scan(
			&st.RunID,
			&st.Root,
			&st.LastUpdate,
			&st.Directories,
			&st.Failures,
			&st.Records,
			&st.Objects,
		)
		if err != nil {
			return nil, fmt.Errorf("scan root stats row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate root stats: %w", err)
	}
	return stats, nil
}

// ListRunFailures retrieves skipped directories for a run in failure order.
func (s *HistoryStore) ListRunFailures(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.NodeFailure, error) {
	query := `
		SELECT run_id, root, path, error, failed_at
		FROM harvest_node_failures
		WHERE run_id = $1
		ORDER BY failed_at ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list run failures: %w", err)
	}
	defer rows.Close()

	var failures []store.NodeFailure
	for rows.Next() {
		var f store.NodeFailure
		if err := rows.Scan(&f.RunID, &f.Root, &f.Path, &f.Error, &f.At); err != nil {
			return nil, fmt.Errorf("scan node failure row: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node failures: %w", err)
	}
	return failures, nil
}
