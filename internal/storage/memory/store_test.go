package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

func TestUpsertKeepsSettledRows(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	id := ruc.RequestID("20131312955")

	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID:        id,
		Kind:      ruc.OutcomeFound,
		Name:      "FULL NAME SAC",
		Attempts:  1,
		ScrapedAt: time.Now().UTC(),
	}))

	// A stale blocked write must not clobber the found row.
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID:        id,
		Kind:      ruc.OutcomeBlocked,
		Attempts:  2,
		ScrapedAt: time.Now().UTC(),
	}))

	got, ok := s.Outcome(id)
	require.True(t, ok)
	require.Equal(t, ruc.OutcomeFound, got.Kind)
	require.Equal(t, "FULL NAME SAC", got.Name)
}

func TestUpsertPromotesRetryableRows(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	id := ruc.RequestID("20600055519")

	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID:        id,
		Kind:      ruc.OutcomeTransientError,
		Attempts:  1,
		ScrapedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID:        id,
		Kind:      ruc.OutcomeNotFound,
		Attempts:  2,
		ScrapedAt: time.Now().UTC(),
	}))

	got, ok := s.Outcome(id)
	require.True(t, ok)
	require.Equal(t, ruc.OutcomeNotFound, got.Kind)
	require.Equal(t, 2, got.Attempts)
}

func TestCompletedIDsExcludesRetryable(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000001", Kind: ruc.OutcomeFound, Name: "A", ScrapedAt: now,
	}))
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000002", Kind: ruc.OutcomeBlocked, ScrapedAt: now,
	}))
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000003", Kind: ruc.OutcomePermanentError, ScrapedAt: now,
	}))

	ids, err := s.CompletedIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Contains(t, ids, ruc.RequestID("20000000001"))
	require.Contains(t, ids, ruc.RequestID("20000000003"))
	require.NotContains(t, ids, ruc.RequestID("20000000002"))
}

func TestPendingIDsSkipsSettledAndHonorsLimit(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	s.Seed("20000000001", "20000000002", "20000000003", "20000000004")
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000002", Kind: ruc.OutcomeFound, Name: "A", ScrapedAt: now,
	}))
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000003", Kind: ruc.OutcomeBlocked, ScrapedAt: now,
	}))

	ids, err := s.PendingIDs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []ruc.RequestID{"20000000001", "20000000003", "20000000004"}, ids)

	ids, err = s.PendingIDs(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []ruc.RequestID{"20000000001", "20000000003"}, ids)
}

func TestPendingIDsIncludesUnseededRetryable(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	s.Seed("20000000005")
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000001", Kind: ruc.OutcomeTransientError, ScrapedAt: time.Now().UTC(),
	}))

	ids, err := s.PendingIDs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []ruc.RequestID{"20000000005", "20000000001"}, ids)
}

func TestFailedIDsSorted(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000003", Kind: ruc.OutcomePermanentError, ScrapedAt: now,
	}))
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000001", Kind: ruc.OutcomeBlocked, ScrapedAt: now,
	}))
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000002", Kind: ruc.OutcomeFound, Name: "A", ScrapedAt: now,
	}))

	ids, err := s.FailedIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []ruc.RequestID{"20000000001", "20000000003"}, ids)
}

func TestRunRecords(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, err := s.LatestRun(ctx)
	require.ErrorIs(t, err, ruc.ErrNoRuns)

	first := ruc.RunRecord{ID: "run-1", StartedAt: time.Now().UTC(), Dispatched: 10}
	require.NoError(t, s.StartRun(ctx, first))
	require.Error(t, s.StartRun(ctx, first))

	second := ruc.RunRecord{ID: "run-2", StartedAt: time.Now().UTC(), Dispatched: 20}
	require.NoError(t, s.StartRun(ctx, second))

	second.Completed = 20
	second.Watermark = 20000000019
	require.NoError(t, s.UpdateRun(ctx, second))

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, second, latest)

	mark, err := s.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(20000000019), mark)
}

func TestStatsAggregates(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	early := time.Unix(1700000000, 0).UTC()
	late := early.Add(time.Hour)

	s.Seed("20000000001", "20000000004")
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000001", Kind: ruc.OutcomeFound, Name: "A", ScrapedAt: early,
	}))
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000002", Kind: ruc.OutcomeFound, Name: "B", ScrapedAt: late,
	}))
	require.NoError(t, s.Upsert(ctx, ruc.Outcome{
		ID: "20000000003", Kind: ruc.OutcomeNotFound, ScrapedAt: late,
	}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), stats.Total)
	require.Equal(t, int64(2), stats.ByKind["found"])
	require.Equal(t, int64(1), stats.ByKind["not_found"])
	require.Equal(t, int64(1), stats.ByKind[ruc.StatusPending])
	require.Equal(t, early, stats.OldestAt)
	require.Equal(t, late, stats.NewestAt)
}
