package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

func strPtr(s string) *string {
	return &s
}

func TestNewWithPoolRejectsBadTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "ruc_registry; DROP TABLE x", "harvest_runs")
	require.Error(t, err)
}

func TestUpsertInsertsRowWithGuard(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "ruc_registry", "harvest_runs")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	outcome := ruc.Outcome{
		ID:        ruc.RequestID("20131312955"),
		Kind:      ruc.OutcomeFound,
		Name:      "FULL NAME SAC",
		Estado:    "ACTIVO",
		Condicion: "HABIDO",
		Attempts:  1,
		ScrapedAt: now,
	}

	mock.ExpectExec("INSERT INTO ruc_registry .*ON CONFLICT \\(ruc\\) DO UPDATE").
		WithArgs(
			"20131312955",
			"found",
			strPtr("FULL NAME SAC"),
			strPtr("ACTIVO"),
			strPtr("HABIDO"),
			(*string)(nil),
			1,
			now,
			[]string{"pending", "blocked", "transient_error"},
			[]string{"found", "not_found", "permanent_error"},
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), outcome))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsInvalidOutcome(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "ruc_registry", "harvest_runs")
	require.NoError(t, err)

	// Found without a name violates the outcome invariant; no SQL runs.
	err = store.Upsert(context.Background(), ruc.Outcome{
		ID:   ruc.RequestID("20131312955"),
		Kind: ruc.OutcomeFound,
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingIDsActiveFirstWithLimit(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "ruc_registry", "harvest_runs")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT ruc FROM ruc_registry\\s+WHERE status = ANY\\(\\$1\\)\\s+ORDER BY CASE WHEN estado = 'ACTIVO' THEN 1 ELSE 2 END, id\\s+LIMIT \\$2").
		WithArgs([]string{"pending", "blocked", "transient_error"}, 100).
		WillReturnRows(pgxmock.NewRows([]string{"ruc"}).
			AddRow("20131312955").
			AddRow("20600055519"))

	ids, err := store.PendingIDs(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, []ruc.RequestID{"20131312955", "20600055519"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailedIDsReturnsFailureRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "ruc_registry", "harvest_runs")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT ruc FROM ruc_registry WHERE status = ANY\\(\\$1\\) ORDER BY ruc").
		WithArgs([]string{"blocked", "transient_error", "permanent_error"}).
		WillReturnRows(pgxmock.NewRows([]string{"ruc"}).
			AddRow("20000000001").
			AddRow("20000000002"))

	ids, err := store.FailedIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []ruc.RequestID{"20000000001", "20000000002"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletedIDsReturnsSettledSet(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "ruc_registry", "harvest_runs")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT ruc FROM ruc_registry").
		WithArgs([]string{"found", "not_found", "permanent_error"}).
		WillReturnRows(pgxmock.NewRows([]string{"ruc"}).
			AddRow("20131312955").
			AddRow("20600055519"))

	ids, err := store.CompletedIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Contains(t, ids, ruc.RequestID("20131312955"))
	require.Contains(t, ids, ruc.RequestID("20600055519"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWatermarkReadsRunsTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "ruc_registry", "harvest_runs")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(watermark\\), 0\\) FROM harvest_runs").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(20131312955)))

	mark, err := store.Watermark(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(20131312955), mark)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsAggregatesByStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "ruc_registry", "harvest_runs")
	require.NoError(t, err)

	early := time.Unix(1700000000, 0).UTC()
	late := time.Unix(1700100000, 0).UTC()
	mock.ExpectQuery("SELECT status, COUNT\\(\\*\\), MIN\\(scraped_at\\), MAX\\(scraped_at\\)").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count", "min", "max"}).
			AddRow("found", int64(40), &early, &late).
			AddRow("not_found", int64(9), &early, &early).
			AddRow("blocked", int64(1), &late, &late))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(50), stats.Total)
	require.Equal(t, int64(40), stats.ByKind["found"])
	require.Equal(t, int64(9), stats.ByKind["not_found"])
	require.Equal(t, int64(1), stats.ByKind["blocked"])
	require.Equal(t, early, stats.OldestAt)
	require.Equal(t, late, stats.NewestAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "ruc_registry", "harvest_runs")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(2 * time.Hour)
	run := ruc.RunRecord{
		ID:         "5a7f9c1e-1111-2222-3333-444455556666",
		StartedAt:  started,
		Dispatched: 100,
	}

	mock.ExpectExec("INSERT INTO harvest_runs").
		WithArgs(run.ID, run.StartedAt, run.Dispatched).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.StartRun(context.Background(), run))

	run.Completed = 100
	run.Watermark = 20131312955
	run.Finished = &finished
	mock.ExpectExec("UPDATE harvest_runs").
		WithArgs(run.ID, run.Dispatched, run.Completed, run.Watermark, run.Finished).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateRun(context.Background(), run))

	mock.ExpectQuery("SELECT id, started_at, finished_at, dispatched, completed, watermark").
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "started_at", "finished_at", "dispatched", "completed", "watermark"},
		).AddRow(run.ID, run.StartedAt, run.Finished, run.Dispatched, run.Completed, run.Watermark))

	got, err := store.LatestRun(context.Background())
	require.NoError(t, err)
	require.Equal(t, run, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestRunEmptyTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "ruc_registry", "harvest_runs")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, started_at, finished_at, dispatched, completed, watermark").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.LatestRun(context.Background())
	require.ErrorIs(t, err, ruc.ErrNoRuns)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "ruc_registry", "harvest_runs")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ruc_registry").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
