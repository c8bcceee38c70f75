// Package supervise owns session lifetime around the lookup engine: aging
// restarts, pacing, block backoff, and the retry escalation ladder.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/perudatos/ruc-harvester/internal/lookup"
	"github.com/perudatos/ruc-harvester/internal/progress"
	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Session restart reasons carried on progress events and logs.
const (
	ReasonAging          = "aging"
	ReasonUnresponsive   = "unresponsive"
	ReasonBlocked        = "blocked"
	ReasonTransientRuns  = "transient_errors"
	ReasonSolverFailures = "solver_failures"
)

// Config parameterizes the session policies. Durations of zero fall back to
// conservative defaults at construction.
type Config struct {
	// AgingThreshold forces a session replacement after this many portal
	// hits regardless of errors.
	AgingThreshold int
	// TransientRetries bounds immediate same-session retries after a
	// transient failure before the session is replaced.
	TransientRetries int
	// SolverFailureStreak is the consecutive solver timeout/rejection
	// count on one session that forces a replacement.
	SolverFailureStreak int
	// MinDelay/MaxDelay bound the jittered pacing between portal hits.
	MinDelay time.Duration
	MaxDelay time.Duration
	// LongPauseEvery inserts a growing pause after this many hits.
	LongPauseEvery int
	LongPauseMin   time.Duration
	LongPauseMax   time.Duration
	// ProbeTimeout bounds the responsiveness probe on session reuse.
	ProbeTimeout time.Duration
	// BackoffBase/BackoffMax bound the exponential wait after a block.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.AgingThreshold <= 0 {
		c.AgingThreshold = 50
	}
	if c.TransientRetries <= 0 {
		c.TransientRetries = 3
	}
	if c.SolverFailureStreak <= 0 {
		c.SolverFailureStreak = 3
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.LongPauseEvery <= 0 {
		c.LongPauseEvery = 20
	}
	if c.LongPauseMax < c.LongPauseMin {
		c.LongPauseMax = c.LongPauseMin
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	return c
}

// Looker is the per-id portal pass the supervisor wraps.
type Looker interface {
	Do(ctx context.Context, sess ruc.Session, id ruc.RequestID) (lookup.Result, error)
}

// Attempt is what one supervised pass produced: the outcome to persist plus
// the final page for evidence capture on review-worthy kinds.
type Attempt struct {
	Outcome  ruc.Outcome
	PageHTML string
}

// Supervisor drives lookups for one worker. It owns exactly one session at a
// time and is not safe for concurrent use; each worker gets its own.
type Supervisor struct {
	factory ruc.SessionFactory
	engine  Looker
	cfg     Config
	runID   [16]byte
	emitter progress.Emitter
	clock   ruc.Clock
	logger  *zap.Logger

	sess         ruc.Session
	served       int
	sincePause   int
	pauses       int
	solverStreak int
	blockStreak  int
}

// New builds a Supervisor bound to one scheduler run.
func New(factory ruc.SessionFactory, engine Looker, cfg Config, runID [16]byte, emitter progress.Emitter, clock ruc.Clock, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		factory: factory,
		engine:  engine,
		cfg:     cfg.withDefaults(),
		runID:   runID,
		emitter: emitter,
		clock:   clock,
		logger:  logger.With(zap.String("component", "supervisor")),
	}
}

// Process drives one id through the portal under the session policies. The
// returned error is non-nil only when ctx ended; every lookup failure folds
// into the outcome kind.
func (s *Supervisor) Process(ctx context.Context, id ruc.RequestID, attempt int) (Attempt, error) {
	if err := s.pace(ctx); err != nil {
		return Attempt{}, err
	}

	for try := 0; ; try++ {
		sess, err := s.ensure(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Attempt{}, ctx.Err()
			}
			// Session creation failures are transient for this id.
			return s.finish(id, attempt, "", fmt.Errorf("create session: %w", err)), nil
		}

		res, doErr := s.engine.Do(ctx, sess, id)
		s.served++
		s.sincePause++
		if ctx.Err() != nil {
			return Attempt{}, ctx.Err()
		}

		switch {
		case doErr == nil:
			s.solverStreak = 0
			s.blockStreak = 0
			s.emitChallenge(id, res.ChallengeMethod)
			return s.found(id, attempt, res), nil

		case errors.Is(doErr, ruc.ErrNoRecord), errors.Is(doErr, ruc.ErrAmbiguousResult):
			s.solverStreak = 0
			s.blockStreak = 0
			s.emitChallenge(id, res.ChallengeMethod)
			return s.finish(id, attempt, res.PageHTML, doErr), nil

		case errors.Is(doErr, ruc.ErrBlocked):
			s.blockStreak++
			s.restart(ctx, ReasonBlocked)
			s.backoff(ctx)
			return s.finish(id, attempt, res.PageHTML, doErr), nil

		case errors.Is(doErr, ruc.ErrSolverTimeout), errors.Is(doErr, ruc.ErrSolverRejected):
			s.solverStreak++
			if s.solverStreak >= s.cfg.SolverFailureStreak {
				s.solverStreak = 0
				s.restart(ctx, ReasonSolverFailures)
				return s.finish(id, attempt, res.PageHTML, doErr), nil
			}
			if try >= s.cfg.TransientRetries {
				return s.finish(id, attempt, res.PageHTML, doErr), nil
			}
			s.logger.Debug("retrying after solver failure",
				zap.String("id", id.String()), zap.Int("try", try+1), zap.Error(doErr))

		default:
			if try >= s.cfg.TransientRetries {
				s.restart(ctx, ReasonTransientRuns)
				return s.finish(id, attempt, res.PageHTML, doErr), nil
			}
			s.logger.Debug("retrying after transient failure",
				zap.String("id", id.String()), zap.Int("try", try+1), zap.Error(doErr))
		}
	}
}

// Close tears down the current session, if any.
func (s *Supervisor) Close(ctx context.Context) {
	if s.sess == nil {
		return
	}
	if err := s.sess.Close(ctx); err != nil {
		s.logger.Warn("close session", zap.Error(err))
	}
	s.sess = nil
}

// ensure returns a session fit for use, replacing it on aging or a failed
// responsiveness probe. Fresh sessions skip the probe.
func (s *Supervisor) ensure(ctx context.Context) (ruc.Session, error) {
	if s.sess != nil && s.served >= s.cfg.AgingThreshold {
		s.restart(ctx, ReasonAging)
	}
	if s.sess != nil {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		_, err := s.sess.CurrentURL(probeCtx)
		cancel()
		if err != nil {
			s.logger.Warn("session failed responsiveness probe",
				zap.String("session_id", s.sess.ID()), zap.Error(err))
			s.restart(ctx, ReasonUnresponsive)
		}
	}
	if s.sess == nil {
		sess, err := s.factory.New(ctx)
		if err != nil {
			return nil, err
		}
		s.sess = sess
		s.served = 0
		s.sincePause = 0
		s.pauses = 0
	}
	return s.sess, nil
}

// restart tears the session down and reports why. The replacement is minted
// lazily on next use.
func (s *Supervisor) restart(ctx context.Context, reason string) {
	if s.sess != nil {
		if err := s.sess.Close(ctx); err != nil {
			s.logger.Warn("close session", zap.Error(err))
		}
		s.logger.Info("session retired",
			zap.String("session_id", s.sess.ID()),
			zap.String("reason", reason),
			zap.Int("served", s.served))
		s.sess = nil
	}
	s.emit(progress.Event{
		Stage:  progress.StageSessionRestart,
		Reason: reason,
	})
}

// pace applies the jittered inter-request delay, switching to the growing
// long pause at the configured cadence.
func (s *Supervisor) pace(ctx context.Context) error {
	var delay time.Duration
	if s.cfg.LongPauseEvery > 0 && s.sincePause >= s.cfg.LongPauseEvery {
		s.sincePause = 0
		s.pauses++
		delay = s.longPause(s.pauses)
	} else {
		delay = jitterBetween(s.cfg.MinDelay, s.cfg.MaxDelay)
	}
	return sleep(ctx, delay)
}

// longPause draws from the configured window and scales with the pause
// ordinal on this session, capped at the window ceiling.
func (s *Supervisor) longPause(n int) time.Duration {
	d := jitterBetween(s.cfg.LongPauseMin, s.cfg.LongPauseMax)
	d = time.Duration(float64(d) * float64(n))
	if d > s.cfg.LongPauseMax {
		d = s.cfg.LongPauseMax
	}
	return d
}

// backoff waits out the post-block pause before the next session is minted.
// The wait doubles per consecutive block and is capped.
func (s *Supervisor) backoff(ctx context.Context) {
	d := expBackoff(s.cfg.BackoffBase, s.cfg.BackoffMax, s.blockStreak)
	s.logger.Warn("backing off after block",
		zap.Duration("delay", d), zap.Int("block_streak", s.blockStreak))
	s.emit(progress.Event{
		Stage: progress.StageBackoff,
		Dur:   d,
	})
	_ = sleep(ctx, d)
}

// found assembles the successful outcome.
func (s *Supervisor) found(id ruc.RequestID, attempt int, res lookup.Result) Attempt {
	return Attempt{
		Outcome: ruc.Outcome{
			ID:        id,
			Kind:      ruc.OutcomeFound,
			Name:      res.Extraction.Name,
			Estado:    res.Extraction.Estado,
			Condicion: res.Extraction.Condicion,
			Attempts:  attempt,
			ScrapedAt: s.clock.Now(),
		},
		PageHTML: res.PageHTML,
	}
}

// finish assembles a non-found outcome from the classifying error.
func (s *Supervisor) finish(id ruc.RequestID, attempt int, pageHTML string, err error) Attempt {
	return Attempt{
		Outcome: ruc.Outcome{
			ID:        id,
			Kind:      ruc.Classify(err),
			Evidence:  truncate(err.Error(), 500),
			Attempts:  attempt,
			ScrapedAt: s.clock.Now(),
		},
		PageHTML: pageHTML,
	}
}

func (s *Supervisor) emitChallenge(id ruc.RequestID, method string) {
	if method == "" {
		return
	}
	s.emit(progress.Event{
		Stage:  progress.StageChallengeSolved,
		ID:     id,
		Method: method,
	})
}

func (s *Supervisor) emit(ev progress.Event) {
	if s.emitter == nil {
		return
	}
	ev.RunID = s.runID
	ev.TS = s.clock.Now()
	s.emitter.Emit(ev)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sleep waits for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
