// Package main runs one bounded harvest over the pending id space.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/perudatos/ruc-harvester/internal/api"
	"github.com/perudatos/ruc-harvester/internal/browser"
	"github.com/perudatos/ruc-harvester/internal/challenge"
	"github.com/perudatos/ruc-harvester/internal/clock/system"
	"github.com/perudatos/ruc-harvester/internal/config"
	"github.com/perudatos/ruc-harvester/internal/extract"
	"github.com/perudatos/ruc-harvester/internal/logging"
	"github.com/perudatos/ruc-harvester/internal/lookup"
	"github.com/perudatos/ruc-harvester/internal/precheck"
	"github.com/perudatos/ruc-harvester/internal/progress"
	"github.com/perudatos/ruc-harvester/internal/progress/sinks"
	pubsubpublisher "github.com/perudatos/ruc-harvester/internal/publisher/pubsub"
	"github.com/perudatos/ruc-harvester/internal/ruc"
	"github.com/perudatos/ruc-harvester/internal/schedule"
	"github.com/perudatos/ruc-harvester/internal/solver"
	"github.com/perudatos/ruc-harvester/internal/storage/evidence"
	"github.com/perudatos/ruc-harvester/internal/storage/postgres"
	"github.com/perudatos/ruc-harvester/internal/supervise"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	workerCount := flag.Int("workers", 0, "Override the configured worker count")
	flag.Parse()

	// .env is a dev convenience; a missing file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *workerCount > 0 {
		cfg.Scheduler.Workers = *workerCount
	}

	batchSize := cfg.Scheduler.BatchSize
	if flag.NArg() > 0 {
		batchSize, err = strconv.Atoi(flag.Arg(0))
		if err != nil || batchSize <= 0 {
			fmt.Fprintf(os.Stderr, "usage: harvester [flags] [batch-size]\nbatch-size must be a positive integer, got %q\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, batchSize, logger); err != nil {
		logger.Error("harvest failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context, cfg config.Config, batchSize int, logger *zap.Logger) error {
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn must be set")
	}

	store, err := postgres.New(ctx, postgres.Config{
		DSN:       cfg.Postgres.DSN,
		Table:     cfg.Postgres.Table,
		RunsTable: cfg.Postgres.RunsTable,
	})
	if err != nil {
		return fmt.Errorf("connect outcome store: %w", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	solverClient, err := solver.New(solver.Options{
		Endpoint: cfg.Solver.Endpoint,
		APIKey:   cfg.Solver.APIKey,
		MinScore: cfg.Solver.MinScore,
		MaxRPS:   cfg.Solver.MaxRPS,
	}, logger)
	if err != nil {
		return fmt.Errorf("solver client: %w", err)
	}
	if err := solverClient.Verify(ctx); err != nil {
		return fmt.Errorf("verify solver credential: %w", err)
	}

	report, err := precheck.Verify(ctx, precheck.Config{
		URL:       cfg.Portal.SearchURL(),
		UserAgent: cfg.Portal.UserAgent,
		Timeout:   cfg.Portal.NavTimeout(),
	}, logger)
	if err != nil {
		return fmt.Errorf("portal precheck: %w", err)
	}

	evid, err := evidence.NewFromConfig(ctx, evidence.Config{
		Backend:  cfg.Evidence.Backend,
		LocalDir: cfg.Evidence.LocalDir,
		Bucket:   cfg.Evidence.GCSBucket,
		Prefix:   cfg.Evidence.Prefix,
	})
	if err != nil {
		return fmt.Errorf("evidence store: %w", err)
	}

	var pub ruc.Publisher
	if cfg.PubSub.Enabled {
		p, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher: %w", err)
		}
		defer func() {
			if err := p.Close(); err != nil {
				logger.Warn("publisher close", zap.Error(err))
			}
		}()
		pub = p
	}

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("progress metrics: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close", zap.Error(err))
		}
	}()

	factory := browser.NewFactory(browser.Config{
		Headless:      cfg.Browser.Headless,
		UserAgent:     cfg.Portal.UserAgent,
		ExecPath:      cfg.Browser.ExecPath,
		ActionTimeout: cfg.Portal.NavTimeout(),
	}, logger.Named("browser"))
	defer factory.Close()

	resolver := challenge.New(solverClient, challenge.Options{
		TokenEnabled: cfg.Solver.TokenEnabled,
		ImageEnabled: cfg.Solver.ImageEnabled,
		PollInterval: cfg.Solver.PollInterval(),
		PollCeiling:  cfg.Solver.PollCeiling(),
	}, logger)
	engine := lookup.New(resolver, extract.NewChain(), lookup.Config{
		SearchURL:     cfg.Portal.SearchURL(),
		ResultTimeout: cfg.Portal.ResultTimeout(),
	}, logger)

	runID := uuid.New()
	clk := system.New()
	supCfg := supervise.Config{
		AgingThreshold:      cfg.Supervisor.AgingThreshold,
		TransientRetries:    cfg.Supervisor.TransientRetries,
		SolverFailureStreak: cfg.Supervisor.SolverTimeoutStreak,
		MinDelay:            cfg.Supervisor.MinDelay(),
		MaxDelay:            cfg.Supervisor.MaxDelay(),
		LongPauseEvery:      cfg.Supervisor.LongPauseEvery,
		LongPauseMin:        cfg.Supervisor.LongPauseMin(),
		LongPauseMax:        cfg.Supervisor.LongPauseMax(),
		ProbeTimeout:        cfg.Supervisor.ProbeTimeout(),
		BackoffBase:         cfg.Supervisor.BackoffBase(),
		BackoffMax:          cfg.Supervisor.BackoffMax(),
	}
	workers := make([]schedule.Processor, 0, cfg.Scheduler.Workers)
	for i := 0; i < cfg.Scheduler.Workers; i++ {
		workers = append(workers, supervise.New(
			factory, engine, supCfg, progress.UUIDToBytes(runID), hub, clk,
			logger.Named("supervisor").With(zap.Int("worker", i)),
		))
	}

	sched, err := schedule.New(schedule.Deps{
		Workers:   workers,
		Store:     store,
		Runs:      store,
		Evidence:  evid,
		Publisher: pub,
		Emitter:   hub,
		Clock:     clk,
		Logger:    logger,
	}, schedule.Config{
		ChunkSize:      cfg.Scheduler.ChunkSize,
		MaxAttempts:    cfg.Scheduler.MaxAttempts,
		ReportInterval: cfg.Scheduler.ReportInterval(),
	}, runID)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	if cfg.Status.Addr != "" {
		statusSrv, err := api.NewServer(sched.Snapshot, store, registry, logger.Named("api"))
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		srv := &http.Server{
			Addr:              cfg.Status.Addr,
			Handler:           statusSrv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server started", zap.String("addr", cfg.Status.Addr))
			// A status bind failure never aborts the harvest itself.
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown", zap.Error(err))
			}
		}()
	}

	ids, err := store.PendingIDs(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("load pending ids: %w", err)
	}
	logger.Info("batch selected",
		zap.String("run_id", runID.String()),
		zap.Int("requested", batchSize),
		zap.Int("pending", len(ids)),
		zap.Int("workers", cfg.Scheduler.Workers),
		zap.String("portal_challenge", report.Challenge),
	)

	summary, runErr := sched.Run(ctx, ids)
	logger.Info("harvest finished",
		zap.String("run_id", runID.String()),
		zap.Int("planned", summary.Planned),
		zap.Int("skipped", summary.Skipped),
		zap.Int("completed", summary.Completed),
		zap.Any("counts", summary.Counts),
	)
	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	return nil
}
