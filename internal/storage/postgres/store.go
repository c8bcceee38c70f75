// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// settledStatuses are final for the id: the scheduler never hands these ids
// out again, and the upsert guard never lets a retryable status demote them.
var settledStatuses = []string{
	string(ruc.OutcomeFound),
	string(ruc.OutcomeNotFound),
	string(ruc.OutcomePermanentError),
}

// dispatchStatuses mark rows the scheduler may still hand out: freshly seeded
// ids and retryable failures from earlier runs.
var dispatchStatuses = []string{
	ruc.StatusPending,
	string(ruc.OutcomeBlocked),
	string(ruc.OutcomeTransientError),
}

// failedStatuses mark rows whose last lookup did not produce a record.
var failedStatuses = []string{
	string(ruc.OutcomeBlocked),
	string(ruc.OutcomeTransientError),
	string(ruc.OutcomePermanentError),
}

// Config controls the Postgres connection pool used for outcome rows.
type Config struct {
	DSN             string
	Table           string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists lookup outcomes and run records in Postgres. It implements
// both ruc.OutcomeStore and ruc.RunStore.
type Store struct {
	pool      pgxPool
	table     string
	runsTable string
}

// New creates a Postgres-backed Store using the provided config and verifies
// connectivity before returning.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
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
	store, err := NewWithPool(pool, cfg.Table, cfg.RunsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table, runsTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "ruc_registry"
	}
	if runsTable == "" {
		runsTable = "harvest_runs"
	}
	for _, name := range []string{table, runsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Store{pool: pool, table: table, runsTable: runsTable}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the outcome and run tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	outcomes := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id SERIAL PRIMARY KEY,
	ruc VARCHAR(11) UNIQUE NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	razon_social TEXT,
	estado TEXT,
	condicion TEXT,
	evidence_key TEXT,
	attempts INT NOT NULL DEFAULT 0,
	scraped_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s (status)`, s.table)

	runs := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	dispatched BIGINT NOT NULL DEFAULT 0,
	completed BIGINT NOT NULL DEFAULT 0,
	watermark BIGINT NOT NULL DEFAULT 0
)`, s.runsTable)

	if _, err := s.pool.Exec(ctx, outcomes); err != nil {
		return fmt.Errorf("ensure outcome table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, runs); err != nil {
		return fmt.Errorf("ensure runs table: %w", err)
	}
	return nil
}

// Upsert writes the final outcome for an id. Writes are idempotent on the ruc
// column; the guard updates any row that is not yet settled and keeps a
// settled row from being demoted by a late blocked or transient write from a
// stale attempt.
func (s *Store) Upsert(ctx context.Context, outcome ruc.Outcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	ruc,
	status,
	razon_social,
	estado,
	condicion,
	evidence_key,
	attempts,
	scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (ruc) DO UPDATE SET
	status = EXCLUDED.status,
	razon_social = EXCLUDED.razon_social,
	estado = EXCLUDED.estado,
	condicion = EXCLUDED.condicion,
	evidence_key = EXCLUDED.evidence_key,
	attempts = EXCLUDED.attempts,
	scraped_at = EXCLUDED.scraped_at
WHERE %[1]s.status = ANY($9)
   OR EXCLUDED.status = ANY($10)`, s.table)

	args := []any{
		string(outcome.ID),
		string(outcome.Kind),
		nullable(outcome.Name),
		nullable(outcome.Estado),
		nullable(outcome.Condicion),
		nullable(outcome.EvidenceKey),
		outcome.Attempts,
		outcome.ScrapedAt,
		dispatchStatuses,
		settledStatuses,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert outcome %s: %w", outcome.ID, err)
	}
	return nil
}

// PendingIDs returns up to limit ids that still need a lookup. Rows whose
// estado from the seed dataset is ACTIVO sort first, then by insertion order.
func (s *Store) PendingIDs(ctx context.Context, limit int) ([]ruc.RequestID, error) {
	query := fmt.Sprintf(`
SELECT ruc FROM %s
WHERE status = ANY($1)
ORDER BY CASE WHEN estado = 'ACTIVO' THEN 1 ELSE 2 END, id
LIMIT $2`, s.table)
	rows, err := s.pool.Query(ctx, query, dispatchStatuses, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending ids: %w", err)
	}
	defer rows.Close()

	var out []ruc.RequestID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		out = append(out, ruc.RequestID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending ids: %w", err)
	}
	return out, nil
}

// CompletedIDs returns the set of ids with a settled status. Retryable rows
// (blocked, transient) are excluded so a later run picks them up again.
func (s *Store) CompletedIDs(ctx context.Context) (map[ruc.RequestID]struct{}, error) {
	query := fmt.Sprintf(`SELECT ruc FROM %s WHERE status = ANY($1)`, s.table)
	rows, err := s.pool.Query(ctx, query, settledStatuses)
	if err != nil {
		return nil, fmt.Errorf("query completed ids: %w", err)
	}
	defer rows.Close()

	out := make(map[ruc.RequestID]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan completed id: %w", err)
		}
		out[ruc.RequestID(id)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed ids: %w", err)
	}
	return out, nil
}

// FailedIDs lists ids whose latest outcome was blocked, transient, or
// permanent, for follow-up review.
func (s *Store) FailedIDs(ctx context.Context) ([]ruc.RequestID, error) {
	query := fmt.Sprintf(`SELECT ruc FROM %s WHERE status = ANY($1) ORDER BY ruc`, s.table)
	rows, err := s.pool.Query(ctx, query, failedStatuses)
	if err != nil {
		return nil, fmt.Errorf("query failed ids: %w", err)
	}
	defer rows.Close()

	var out []ruc.RequestID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan failed id: %w", err)
		}
		out = append(out, ruc.RequestID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed ids: %w", err)
	}
	return out, nil
}

// Watermark returns the furthest contiguous point any recorded run reached,
// or zero when no run has advanced yet.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(watermark), 0) FROM %s`, s.runsTable)
	var mark int64
	if err := s.pool.QueryRow(ctx, query).Scan(&mark); err != nil {
		return 0, fmt.Errorf("query watermark: %w", err)
	}
	return mark, nil
}

// Stats aggregates persisted outcomes by status.
func (s *Store) Stats(ctx context.Context) (ruc.OutcomeStats, error) {
	query := fmt.Sprintf(`
SELECT status, COUNT(*), MIN(scraped_at), MAX(scraped_at)
FROM %s
GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return ruc.OutcomeStats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := ruc.OutcomeStats{ByKind: make(map[string]int64)}
	for rows.Next() {
		var (
			status string
			count  int64
			oldest *time.Time
			newest *time.Time
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return ruc.OutcomeStats{}, fmt.Errorf("scan stats row: %w", err)
		}
		stats.Total += count
		stats.ByKind[status] = count
		if oldest != nil && (stats.OldestAt.IsZero() || oldest.Before(stats.OldestAt)) {
			stats.OldestAt = *oldest
		}
		if newest != nil && newest.After(stats.NewestAt) {
			stats.NewestAt = *newest
		}
	}
	if err := rows.Err(); err != nil {
		return ruc.OutcomeStats{}, fmt.Errorf("iterate stats rows: %w", err)
	}
	return stats, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
