// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Store keeps outcomes and run records in process memory. It implements
// ruc.OutcomeStore and ruc.RunStore with the same overwrite semantics as the
// Postgres store.
type Store struct {
	mu        sync.RWMutex
	outcomes  map[ruc.RequestID]ruc.Outcome
	seeded    []ruc.RequestID
	seededSet map[ruc.RequestID]struct{}
	runs      map[string]ruc.RunRecord
	runOrder  []string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		outcomes:  make(map[ruc.RequestID]ruc.Outcome),
		seededSet: make(map[ruc.RequestID]struct{}),
		runs:      make(map[string]ruc.RunRecord),
	}
}

// Seed registers ids as pending rows, the in-memory analogue of loading the
// taxpayer dataset into the registry table. Duplicates are ignored.
func (s *Store) Seed(ids ...ruc.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.seededSet[id]; ok {
			continue
		}
		s.seededSet[id] = struct{}{}
		s.seeded = append(s.seeded, id)
	}
}

// Upsert records the final outcome for an id. A settled row is never demoted
// by a late retryable write from a stale attempt.
func (s *Store) Upsert(_ context.Context, outcome ruc.Outcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.outcomes[outcome.ID]; ok {
		if !existing.Kind.Retryable() && outcome.Kind.Retryable() {
			return nil
		}
	}
	s.outcomes[outcome.ID] = outcome
	return nil
}

// PendingIDs returns up to limit ids that still need a lookup: seeded ids in
// seed order, then retryable failures that were never seeded, sorted.
func (s *Store) PendingIDs(_ context.Context, limit int) ([]ruc.RequestID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ruc.RequestID
	for _, id := range s.seeded {
		if len(out) == limit {
			return out, nil
		}
		if outcome, ok := s.outcomes[id]; ok && !outcome.Kind.Retryable() {
			continue
		}
		out = append(out, id)
	}
	var extra []ruc.RequestID
	for id, outcome := range s.outcomes {
		if _, ok := s.seededSet[id]; ok {
			continue
		}
		if outcome.Kind.Retryable() {
			extra = append(extra, id)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, id := range extra {
		if len(out) == limit {
			break
		}
		out = append(out, id)
	}
	return out, nil
}

// CompletedIDs returns the ids with a settled outcome.
func (s *Store) CompletedIDs(_ context.Context) (map[ruc.RequestID]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ruc.RequestID]struct{}, len(s.outcomes))
	for id, outcome := range s.outcomes {
		if !outcome.Kind.Retryable() {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// FailedIDs lists ids whose latest outcome was a failure, sorted.
func (s *Store) FailedIDs(_ context.Context) ([]ruc.RequestID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ruc.RequestID
	for id, outcome := range s.outcomes {
		switch outcome.Kind {
		case ruc.OutcomeBlocked, ruc.OutcomeTransientError, ruc.OutcomePermanentError:
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Watermark returns the furthest contiguous point any recorded run reached.
func (s *Store) Watermark(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var mark int64
	for _, run := range s.runs {
		if run.Watermark > mark {
			mark = run.Watermark
		}
	}
	return mark, nil
}

// Stats aggregates registry rows by status. Seeded ids that no lookup has
// touched yet count as pending, matching the Postgres rendition.
func (s *Store) Stats(_ context.Context) (ruc.OutcomeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := ruc.OutcomeStats{ByKind: make(map[string]int64)}
	for _, id := range s.seeded {
		if _, ok := s.outcomes[id]; !ok {
			stats.Total++
			stats.ByKind[ruc.StatusPending]++
		}
	}
	for _, outcome := range s.outcomes {
		stats.Total++
		stats.ByKind[string(outcome.Kind)]++
		if !outcome.ScrapedAt.IsZero() {
			if stats.OldestAt.IsZero() || outcome.ScrapedAt.Before(stats.OldestAt) {
				stats.OldestAt = outcome.ScrapedAt
			}
			if outcome.ScrapedAt.After(stats.NewestAt) {
				stats.NewestAt = outcome.ScrapedAt
			}
		}
	}
	return stats, nil
}

// StartRun registers a new run record.
func (s *Store) StartRun(_ context.Context, run ruc.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

// UpdateRun replaces the stored record for a known run.
func (s *Store) UpdateRun(_ context.Context, run ruc.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s not found", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(_ context.Context) (ruc.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.runOrder) == 0 {
		return ruc.RunRecord{}, ruc.ErrNoRuns
	}
	return s.runs[s.runOrder[len(s.runOrder)-1]], nil
}

// Outcome returns the stored outcome for id, if any. Test helper.
func (s *Store) Outcome(id ruc.RequestID) (ruc.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outcome, ok := s.outcomes[id]
	return outcome, ok
}

// Len returns the number of stored outcomes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outcomes)
}
