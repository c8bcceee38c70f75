// Package challenge turns CAPTCHA material into answer tokens through an
// external solver, trying ordered fallback strategies.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Options gates the strategies and bounds the poll loop.
type Options struct {
	TokenEnabled bool
	ImageEnabled bool
	PollInterval time.Duration
	PollCeiling  time.Duration
}

// Resolver implements ruc.ChallengeResolver on top of a ruc.Solver.
type Resolver struct {
	solver ruc.Solver
	opts   Options
	logger *zap.Logger
}

// New builds a Resolver.
func New(solver ruc.Solver, opts Options, logger *zap.Logger) *Resolver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollCeiling <= 0 {
		opts.PollCeiling = 2 * time.Minute
	}
	return &Resolver{
		solver: solver,
		opts:   opts,
		logger: logger.With(zap.String("component", "challenge")),
	}
}

// Resolve tries the token strategy first, then the image strategy, skipping
// any that is disabled or has no matching material on the page.
func (r *Resolver) Resolve(ctx context.Context, ch ruc.Challenge) (ruc.Answer, error) {
	if ch.Empty() {
		return ruc.Answer{}, fmt.Errorf("challenge carries no site key or image")
	}

	var lastErr error
	if r.opts.TokenEnabled && ch.SiteKey != "" {
		answer, err := r.solveToken(ctx, ch)
		if err == nil {
			return ruc.Answer{Value: answer, Method: ruc.MethodToken}, nil
		}
		lastErr = err
		r.logger.Warn("token strategy failed", zap.Error(err))
	}
	if r.opts.ImageEnabled && ch.ImageB64 != "" {
		answer, err := r.solveImage(ctx, ch)
		if err == nil {
			return ruc.Answer{Value: answer, Method: ruc.MethodImage}, nil
		}
		lastErr = err
		r.logger.Warn("image strategy failed", zap.Error(err))
	}

	if lastErr == nil {
		return ruc.Answer{}, fmt.Errorf("no enabled strategy matches the challenge material")
	}
	return ruc.Answer{}, lastErr
}

func (r *Resolver) solveToken(ctx context.Context, ch ruc.Challenge) (string, error) {
	jobID, err := r.solver.SubmitToken(ctx, ch.SiteKey, ch.PageURL)
	if err != nil {
		return "", fmt.Errorf("submit token challenge: %w", err)
	}
	return r.await(ctx, jobID)
}

func (r *Resolver) solveImage(ctx context.Context, ch ruc.Challenge) (string, error) {
	jobID, err := r.solver.SubmitImage(ctx, ch.ImageB64)
	if err != nil {
		return "", fmt.Errorf("submit image challenge: %w", err)
	}
	return r.await(ctx, jobID)
}

// await polls one job until the answer is ready. The wait is bounded by the
// ceiling plus two poll cycles of grace; beyond that the worker must move on.
func (r *Resolver) await(ctx context.Context, jobID string) (string, error) {
	deadline := time.NewTimer(r.opts.PollCeiling + 2*r.opts.PollInterval)
	defer deadline.Stop()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("await answer: %w", ctx.Err())
		case <-deadline.C:
			return "", fmt.Errorf("job %s: %w", jobID, ruc.ErrSolverTimeout)
		case <-ticker.C:
			answer, ready, err := r.solver.Poll(ctx, jobID)
			if err != nil {
				if errors.Is(err, ruc.ErrSolverRejected) {
					return "", err
				}
				// Poll hiccups are retried until the deadline fires.
				r.logger.Debug("poll failed", zap.String("job_id", jobID), zap.Error(err))
				continue
			}
			if ready {
				return answer, nil
			}
		}
	}
}
