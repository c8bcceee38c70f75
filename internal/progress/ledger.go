package progress

import (
	"sync"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Ledger tracks final outcomes for one harvest run. Counts are keyed by
// outcome kind; the watermark only advances over a contiguous prefix of the
// run order, so ids finished out of order are held back until every earlier
// id has a final outcome. All methods are safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	order  []ruc.RequestID
	index  map[ruc.RequestID]int
	done   map[ruc.RequestID]struct{}
	counts map[ruc.OutcomeKind]int
	next   int
}

// Snapshot is a point-in-time view of run progress safe for serialization.
type Snapshot struct {
	Dispatched int            `json:"dispatched"`
	Completed  int            `json:"completed"`
	Counts     map[string]int `json:"counts"`
	Watermark  string         `json:"watermark,omitempty"`
}

// NewLedger builds a ledger over the ordered ids assigned to the run.
func NewLedger(ids []ruc.RequestID) *Ledger {
	l := &Ledger{
		order:  append([]ruc.RequestID(nil), ids...),
		index:  make(map[ruc.RequestID]int, len(ids)),
		done:   make(map[ruc.RequestID]struct{}, len(ids)),
		counts: make(map[ruc.OutcomeKind]int),
	}
	for i, id := range l.order {
		l.index[id] = i
	}
	return l
}

// Record registers the final outcome kind for id. Ids outside the run order
// and repeat calls for an already finalized id are ignored, so retried
// finalizations cannot skew counts. It reports whether the outcome was
// recorded.
func (l *Ledger) Record(id ruc.RequestID, kind ruc.OutcomeKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[id]; !ok {
		return false
	}
	if _, ok := l.done[id]; ok {
		return false
	}
	l.done[id] = struct{}{}
	l.counts[kind]++
	for l.next < len(l.order) {
		if _, ok := l.done[l.order[l.next]]; !ok {
			break
		}
		l.next++
	}
	return true
}

// Watermark returns the highest id for which every id at or before it in run
// order has a final outcome, or an empty id when none do yet.
func (l *Ledger) Watermark() ruc.RequestID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next == 0 {
		return ""
	}
	return l.order[l.next-1]
}

// Completed returns how many ids have a final outcome.
func (l *Ledger) Completed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done)
}

// Count returns the number of final outcomes recorded for kind.
func (l *Ledger) Count(kind ruc.OutcomeKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[kind]
}

// Snapshot returns a consistent copy of the counts and the current watermark.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[string]int, len(l.counts))
	for kind, n := range l.counts {
		counts[string(kind)] = n
	}
	snap := Snapshot{
		Dispatched: len(l.order),
		Completed:  len(l.done),
		Counts:     counts,
	}
	if l.next > 0 {
		snap.Watermark = string(l.order[l.next-1])
	}
	return snap
}
