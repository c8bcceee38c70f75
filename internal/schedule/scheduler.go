// Package schedule partitions the id space into chunks, drives them through a
// bounded worker pool, and finalizes exactly one outcome per id.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perudatos/ruc-harvester/internal/clock/system"
	"github.com/perudatos/ruc-harvester/internal/progress"
	qmem "github.com/perudatos/ruc-harvester/internal/queue/memory"
	"github.com/perudatos/ruc-harvester/internal/ruc"
	"github.com/perudatos/ruc-harvester/internal/supervise"
)

// Processor drives one id through the portal. supervise.Supervisor is the
// production implementation; each worker owns exactly one.
type Processor interface {
	Process(ctx context.Context, id ruc.RequestID, attempt int) (supervise.Attempt, error)
	Close(ctx context.Context)
}

// Config bounds the run: chunking, the retry ceiling, and report cadence.
type Config struct {
	// ChunkSize is how many ids travel in one work item.
	ChunkSize int
	// MaxAttempts caps requeues per id; hitting it finalizes the outcome
	// with its retryable kind so the failure stays visible.
	MaxAttempts int
	// ReportInterval is the cadence for aggregate progress reporting.
	ReportInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = time.Minute
	}
	return c
}

// Deps are the collaborators a run drives. Runs, Evidence, Publisher, and
// Emitter are optional; the rest are required.
type Deps struct {
	Workers   []Processor
	Store     ruc.OutcomeStore
	Runs      ruc.RunStore
	Evidence  ruc.EvidenceStore
	Publisher ruc.Publisher
	Emitter   progress.Emitter
	Clock     ruc.Clock
	Logger    *zap.Logger
}

// Summary is the final accounting for one run.
type Summary struct {
	// Planned ids entered the queue; Skipped were malformed or already
	// settled in the store.
	Planned   int
	Skipped   int
	Completed int
	Counts    map[string]int
}

// Scheduler owns one harvest run end to end: resume filtering, dispatch,
// requeues, persistence, and progress accounting.
type Scheduler struct {
	workers  []Processor
	store    ruc.OutcomeStore
	runs     ruc.RunStore
	evidence ruc.EvidenceStore
	pub      ruc.Publisher
	emitter  progress.Emitter
	clock    ruc.Clock
	logger   *zap.Logger
	cfg      Config
	runID    uuid.UUID

	mu     sync.Mutex
	ledger *progress.Ledger
}

// New builds a Scheduler for a single run identified by runID.
func New(deps Deps, cfg Config, runID uuid.UUID) (*Scheduler, error) {
	if len(deps.Workers) == 0 {
		return nil, errors.New("at least one worker is required")
	}
	if deps.Store == nil {
		return nil, errors.New("outcome store is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.Clock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Scheduler{
		workers:  deps.Workers,
		store:    deps.Store,
		runs:     deps.Runs,
		evidence: deps.Evidence,
		pub:      deps.Publisher,
		emitter:  deps.Emitter,
		clock:    deps.Clock,
		logger:   deps.Logger.With(zap.String("component", "scheduler")),
		cfg:      cfg.withDefaults(),
		runID:    runID,
	}, nil
}

// Run drives the batch to completion. Ids already settled in the store are
// skipped, so an interrupted run can be resumed by launching a new one over
// the same id space. Per-id failures never abort the run; the returned error
// is non-nil only when resume state cannot be loaded or ctx ends early.
func (s *Scheduler) Run(ctx context.Context, ids []ruc.RequestID) (Summary, error) {
	completed, err := s.store.CompletedIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load completed ids: %w", err)
	}

	var skipped int
	planned := make([]ruc.RequestID, 0, len(ids))
	for _, raw := range ids {
		id, err := ruc.ParseRequestID(string(raw))
		if err != nil {
			s.logger.Warn("dropping malformed id", zap.Error(err))
			skipped++
			continue
		}
		if _, ok := completed[id]; ok {
			skipped++
			continue
		}
		planned = append(planned, id)
	}

	ledger := progress.NewLedger(planned)
	s.mu.Lock()
	s.ledger = ledger
	s.mu.Unlock()

	summary := Summary{Planned: len(planned), Skipped: skipped, Counts: map[string]int{}}
	if len(planned) == 0 {
		s.logger.Info("nothing to dispatch", zap.Int("skipped", skipped))
		return summary, nil
	}

	record := ruc.RunRecord{
		ID:         s.runID.String(),
		StartedAt:  s.clock.Now(),
		Dispatched: int64(len(planned)),
	}
	if s.runs != nil {
		if err := s.runs.StartRun(ctx, record); err != nil {
			s.logger.Warn("start run record", zap.Error(err))
		}
	}
	s.logger.Info("run starting",
		zap.String("run_id", record.ID),
		zap.Int("planned", len(planned)),
		zap.Int("skipped", skipped),
		zap.Int("workers", len(s.workers)))

	// Capacity covers every planned id plus one requeued single per worker,
	// so Enqueue never blocks a worker holding the only free slot.
	q := qmem.NewQueue(len(planned) + len(s.workers))
	for start := 0; start < len(planned); start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize
		if end > len(planned) {
			end = len(planned)
		}
		if err := q.Enqueue(ctx, ruc.WorkItem{IDs: planned[start:end], Attempt: 1}); err != nil {
			return summary, err
		}
	}

	// pending gates queue close: the worker that finalizes the last id
	// closes it, draining the remaining workers out of Dequeue.
	pending := int64(len(planned))

	var wg sync.WaitGroup
	for i, w := range s.workers {
		wg.Add(1)
		go func(n int, proc Processor) {
			defer wg.Done()
			s.work(ctx, n, proc, q, ledger, &pending)
		}(i+1, w)
	}

	reportDone := make(chan struct{})
	go s.report(ctx, reportDone, record, ledger)

	wg.Wait()
	close(reportDone)
	q.Close()

	flushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	now := s.clock.Now()
	s.flush(flushCtx, record, ledger, &now)

	snap := ledger.Snapshot()
	summary.Completed = snap.Completed
	summary.Counts = snap.Counts
	s.logger.Info("run finished",
		zap.String("run_id", record.ID),
		zap.Int("planned", summary.Planned),
		zap.Int("completed", summary.Completed),
		zap.Any("counts", summary.Counts))
	return summary, ctx.Err()
}

// Snapshot exposes the live ledger for the status surface. It is zero until
// Run builds the ledger.
func (s *Scheduler) Snapshot() progress.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		return progress.Snapshot{Counts: map[string]int{}}
	}
	return s.ledger.Snapshot()
}

// work is one worker's drain loop. It exits when the queue closes or ctx
// ends, releasing the processor's session on the way out.
func (s *Scheduler) work(ctx context.Context, n int, proc Processor, q *qmem.Queue, ledger *progress.Ledger, pending *int64) {
	logger := s.logger.With(zap.Int("worker", n))
	defer func() {
		// Shutdown may arrive with ctx already over; the session still
		// has to go down.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		proc.Close(closeCtx)
	}()

	for {
		item, err := q.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, qmem.ErrClosed) && ctx.Err() == nil {
				logger.Error("dequeue", zap.Error(err))
			}
			return
		}
		for _, id := range item.IDs {
			if ctx.Err() != nil {
				return
			}
			s.lookup(ctx, logger, proc, q, ledger, pending, id, item.Attempt)
		}
	}
}

// lookup runs one id through its processor and either requeues it or
// finalizes the outcome.
func (s *Scheduler) lookup(ctx context.Context, logger *zap.Logger, proc Processor, q *qmem.Queue, ledger *progress.Ledger, pending *int64, id ruc.RequestID, attempt int) {
	start := s.clock.Now()
	s.emit(progress.Event{Stage: progress.StageLookupStart, ID: id, Attempt: attempt})

	att, err := proc.Process(ctx, id, attempt)
	if err != nil {
		// Only cancellation surfaces here; the id stays unfinished and a
		// later run picks it up.
		return
	}

	outcome := att.Outcome
	if outcome.Kind.Retryable() && attempt < s.cfg.MaxAttempts {
		s.emit(progress.Event{Stage: progress.StageRequeue, ID: id, Kind: outcome.Kind, Attempt: attempt})
		logger.Info("requeueing id",
			zap.String("id", id.String()),
			zap.String("kind", string(outcome.Kind)),
			zap.Int("next_attempt", attempt+1))
		// Capacity covers requeues, so Enqueue only fails on cancellation,
		// which abandons the id to a later run.
		_ = q.Enqueue(ctx, ruc.WorkItem{IDs: []ruc.RequestID{id}, Attempt: attempt + 1})
		return
	}

	s.finalize(ctx, logger, q, ledger, pending, outcome, att.PageHTML, start)
}

// finalize persists the outcome exactly once and advances the run accounting.
// Storage and publish failures are logged, never fatal for the run.
func (s *Scheduler) finalize(ctx context.Context, logger *zap.Logger, q *qmem.Queue, ledger *progress.Ledger, pending *int64, outcome ruc.Outcome, pageHTML string, start time.Time) {
	if s.evidence != nil && pageHTML != "" && reviewKind(outcome.Kind) {
		key, err := s.evidence.Save(ctx, outcome.ID, []byte(pageHTML))
		if err != nil {
			logger.Warn("save evidence", zap.String("id", outcome.ID.String()), zap.Error(err))
		} else {
			outcome.EvidenceKey = key
		}
	}

	if err := s.store.Upsert(ctx, outcome); err != nil {
		logger.Error("persist outcome", zap.String("id", outcome.ID.String()), zap.Error(err))
	}
	if s.pub != nil {
		if _, err := s.pub.Publish(ctx, outcome); err != nil {
			logger.Warn("publish outcome", zap.String("id", outcome.ID.String()), zap.Error(err))
		}
	}

	ledger.Record(outcome.ID, outcome.Kind)
	s.emit(progress.Event{
		Stage:   progress.StageLookupDone,
		ID:      outcome.ID,
		Kind:    outcome.Kind,
		Attempt: outcome.Attempts,
		Dur:     s.clock.Now().Sub(start),
	})
	logger.Info("lookup finalized",
		zap.String("id", outcome.ID.String()),
		zap.String("kind", string(outcome.Kind)),
		zap.Int("attempt", outcome.Attempts))

	if atomic.AddInt64(pending, -1) == 0 {
		q.Close()
	}
}

// report logs aggregate progress and refreshes the run record on a ticker
// until the run ends.
func (s *Scheduler) report(ctx context.Context, done <-chan struct{}, record ruc.RunRecord, ledger *progress.Ledger) {
	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx, record, ledger, nil)
		}
	}
}

// flush writes one progress line and, when a run store is wired, pushes the
// counts into the run record.
func (s *Scheduler) flush(ctx context.Context, record ruc.RunRecord, ledger *progress.Ledger, finished *time.Time) {
	snap := ledger.Snapshot()
	s.logger.Info("run progress",
		zap.Int("dispatched", snap.Dispatched),
		zap.Int("completed", snap.Completed),
		zap.Any("counts", snap.Counts),
		zap.String("watermark", snap.Watermark))
	if s.runs == nil {
		return
	}
	record.Completed = int64(snap.Completed)
	record.Finished = finished
	if snap.Watermark != "" {
		if mark, err := strconv.ParseInt(snap.Watermark, 10, 64); err == nil {
			record.Watermark = mark
		}
	}
	if err := s.runs.UpdateRun(ctx, record); err != nil {
		s.logger.Warn("update run record", zap.Error(err))
	}
}

func (s *Scheduler) emit(ev progress.Event) {
	if s.emitter == nil {
		return
	}
	ev.RunID = progress.UUIDToBytes(s.runID)
	ev.TS = s.clock.Now()
	s.emitter.Emit(ev)
}

// reviewKind marks outcomes whose final page is archived for manual review.
func reviewKind(kind ruc.OutcomeKind) bool {
	return kind == ruc.OutcomePermanentError || kind == ruc.OutcomeBlocked
}
