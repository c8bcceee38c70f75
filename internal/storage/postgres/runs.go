package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// StartRun inserts a fresh run row.
func (s *Store) StartRun(ctx context.Context, run ruc.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, started_at, dispatched)
VALUES ($1, $2, $3)`, s.runsTable)
	if _, err := s.pool.Exec(ctx, query, run.ID, run.StartedAt, run.Dispatched); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun writes the current counters and watermark for a run. A non-nil
// Finished timestamp closes the run.
func (s *Store) UpdateRun(ctx context.Context, run ruc.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET dispatched = $2, completed = $3, watermark = $4, finished_at = $5
WHERE id = $1`, s.runsTable)
	if _, err := s.pool.Exec(
		ctx,
		query,
		run.ID,
		run.Dispatched,
		run.Completed,
		run.Watermark,
		run.Finished,
	); err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

// LatestRun returns the most recently started run, or ruc.ErrNoRuns when the
// table is empty.
func (s *Store) LatestRun(ctx context.Context) (ruc.RunRecord, error) {
	query := fmt.Sprintf(`
SELECT id, started_at, finished_at, dispatched, completed, watermark
FROM %s
ORDER BY started_at DESC
LIMIT 1`, s.runsTable)
	var run ruc.RunRecord
	err := s.pool.QueryRow(ctx, query).Scan(
		&run.ID,
		&run.StartedAt,
		&run.Finished,
		&run.Dispatched,
		&run.Completed,
		&run.Watermark,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ruc.RunRecord{}, ruc.ErrNoRuns
		}
		return ruc.RunRecord{}, fmt.Errorf("query latest run: %w", err)
	}
	return run, nil
}
