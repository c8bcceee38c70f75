// Package main prints a periodic human-readable report over the harvest
// store: completion, processing rate, ETA, and the ids awaiting review.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/perudatos/ruc-harvester/internal/config"
	"github.com/perudatos/ruc-harvester/internal/ruc"
	"github.com/perudatos/ruc-harvester/internal/storage/postgres"
)

const maxFailedShown = 10

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	interval := flag.Duration("interval", 30*time.Second, "Seconds between reports")
	once := flag.Bool("once", false, "Print a single report and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if cfg.Postgres.DSN == "" {
		fmt.Fprintln(os.Stderr, "postgres.dsn must be set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, postgres.Config{
		DSN:       cfg.Postgres.DSN,
		Table:     cfg.Postgres.Table,
		RunsTable: cfg.Postgres.RunsTable,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect outcome store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var last sample
	for {
		cur, err := report(ctx, store, last)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "report failed: %v\n", err)
		} else {
			last = cur
		}
		if *once {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}

// sample captures one settled count with its timestamp so the next report can
// derive a processing rate.
type sample struct {
	at      time.Time
	settled int64
}

func report(ctx context.Context, store *postgres.Store, last sample) (sample, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats, err := store.Stats(reqCtx)
	if err != nil {
		return sample{}, fmt.Errorf("load stats: %w", err)
	}

	settled := stats.ByKind[string(ruc.OutcomeFound)] +
		stats.ByKind[string(ruc.OutcomeNotFound)] +
		stats.ByKind[string(ruc.OutcomePermanentError)]
	remaining := stats.Total - settled
	now := time.Now()

	fmt.Printf("=== harvest progress %s ===\n", now.Format(time.RFC3339))
	if stats.Total == 0 {
		fmt.Println("registry is empty; seed the id space first")
		return sample{at: now}, nil
	}

	fmt.Printf("rows %d  settled %d (%.1f%%)  remaining %d\n",
		stats.Total, settled, 100*float64(settled)/float64(stats.Total), remaining)
	fmt.Printf("found %d  not_found %d  permanent %d  blocked %d  transient %d  pending %d\n",
		stats.ByKind[string(ruc.OutcomeFound)],
		stats.ByKind[string(ruc.OutcomeNotFound)],
		stats.ByKind[string(ruc.OutcomePermanentError)],
		stats.ByKind[string(ruc.OutcomeBlocked)],
		stats.ByKind[string(ruc.OutcomeTransientError)],
		stats.ByKind[ruc.StatusPending],
	)

	if !last.at.IsZero() && settled > last.settled {
		elapsed := now.Sub(last.at)
		rate := float64(settled-last.settled) / elapsed.Minutes()
		fmt.Printf("rate %.1f/min", rate)
		if rate > 0 && remaining > 0 {
			eta := time.Duration(float64(remaining)/rate) * time.Minute
			fmt.Printf("  eta %s", eta.Round(time.Minute))
		}
		fmt.Println()
	}

	if run, err := store.LatestRun(reqCtx); err == nil {
		state := "running"
		if run.Finished != nil {
			state = "finished " + run.Finished.Format(time.RFC3339)
		}
		fmt.Printf("last run %s  dispatched %d  completed %d  watermark %d  %s\n",
			run.ID, run.Dispatched, run.Completed, run.Watermark, state)
	} else if !errors.Is(err, ruc.ErrNoRuns) {
		fmt.Fprintf(os.Stderr, "load latest run: %v\n", err)
	}

	if failed, err := store.FailedIDs(reqCtx); err != nil {
		fmt.Fprintf(os.Stderr, "load failed ids: %v\n", err)
	} else if len(failed) > 0 {
		shown := failed
		suffix := ""
		if len(shown) > maxFailedShown {
			shown = shown[:maxFailedShown]
			suffix = fmt.Sprintf(" (+%d more)", len(failed)-maxFailedShown)
		}
		parts := make([]string, len(shown))
		for i, id := range shown {
			parts[i] = id.String()
		}
		fmt.Printf("awaiting review: %s%s\n", strings.Join(parts, " "), suffix)
	}

	fmt.Println()
	return sample{at: now, settled: settled}, nil
}
