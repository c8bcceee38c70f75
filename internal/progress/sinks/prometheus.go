package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/perudatos/ruc-harvester/internal/progress"
	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// PrometheusSink exports harvest progress metrics via Prometheus. It owns all
// collectors for lookups dispatched/completed/in-flight plus the challenge,
// restart, and backoff counters.
type PrometheusSink struct {
	lookupsStarted   prometheus.Counter
	lookupsCompleted *prometheus.CounterVec
	lookupsInFlight  prometheus.Gauge
	lookupDuration   *prometheus.HistogramVec

	challengesSolved *prometheus.CounterVec
	sessionRestarts  *prometheus.CounterVec
	backoffs         prometheus.Counter
	requeues         *prometheus.CounterVec

	tracker *attemptTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		lookupsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_lookups_started_total",
			Help: "Total lookup attempts that have started.",
		}),
		lookupsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_lookups_completed_total",
			Help: "Total lookup attempts completed partitioned by outcome kind.",
		}, []string{"kind"}),
		lookupsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_lookups_in_flight",
			Help: "Current number of running lookup attempts.",
		}),
		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_lookup_duration_seconds",
			Help:    "Wall time per completed lookup attempt.",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 120, 300},
		}, []string{"kind"}),
		challengesSolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_challenges_solved_total",
			Help: "Captcha challenges solved partitioned by method.",
		}, []string{"method"}),
		sessionRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_session_restarts_total",
			Help: "Browser session restarts partitioned by reason.",
		}, []string{"reason"}),
		backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_backoffs_total",
			Help: "Total block backoff pauses taken.",
		}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_requeues_total",
			Help: "Ids pushed back on the queue partitioned by outcome kind.",
		}, []string{"kind"}),
		tracker: newAttemptTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.lookupsStarted,
		s.lookupsCompleted,
		s.lookupsInFlight,
		s.lookupDuration,
		s.challengesSolved,
		s.sessionRestarts,
		s.backoffs,
		s.requeues,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageLookupStart:
		s.lookupsStarted.Inc()
		if s.tracker.start(evt.ID, evt.Attempt) {
			s.lookupsInFlight.Inc()
		}
	case progress.StageLookupDone:
		s.lookupsCompleted.WithLabelValues(string(evt.Kind)).Inc()
		if evt.Dur > 0 {
			s.lookupDuration.WithLabelValues(string(evt.Kind)).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.ID, evt.Attempt) {
			s.lookupsInFlight.Dec()
		}
	case progress.StageChallengeSolved:
		s.challengesSolved.WithLabelValues(evt.Method).Inc()
	case progress.StageSessionRestart:
		s.sessionRestarts.WithLabelValues(evt.Reason).Inc()
	case progress.StageBackoff:
		s.backoffs.Inc()
	case progress.StageRequeue:
		s.requeues.WithLabelValues(string(evt.Kind)).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type attemptKey struct {
	id      ruc.RequestID
	attempt int
}

type attemptTracker struct {
	mu      sync.Mutex
	running map[attemptKey]struct{}
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{running: make(map[attemptKey]struct{})}
}

func (t *attemptTracker) start(id ruc.RequestID, attempt int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := attemptKey{id: id, attempt: attempt}
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *attemptTracker) complete(id ruc.RequestID, attempt int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := attemptKey{id: id, attempt: attempt}
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
