// Package ruc defines core types shared across subsystems.
package ruc

import (
	"fmt"
	"time"
)

// RequestIDLength is the fixed width of a Peruvian taxpayer id.
const RequestIDLength = 11

// RequestID is an 11-digit RUC, the unit of work for a lookup run.
type RequestID string

// ParseRequestID validates the raw id before dispatch: fixed length, digits only.
func ParseRequestID(raw string) (RequestID, error) {
	if len(raw) != RequestIDLength {
		return "", fmt.Errorf("request id %q: want %d digits, got %d", raw, RequestIDLength, len(raw))
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return "", fmt.Errorf("request id %q: non-digit at position %d", raw, i)
		}
	}
	return RequestID(raw), nil
}

func (id RequestID) String() string {
	return string(id)
}

// OutcomeKind classifies the final disposition of one lookup.
type OutcomeKind string

// Outcome kinds persisted in the outcome store.
const (
	OutcomeFound          OutcomeKind = "found"
	OutcomeNotFound       OutcomeKind = "not_found"
	OutcomeBlocked        OutcomeKind = "blocked"
	OutcomeTransientError OutcomeKind = "transient_error"
	OutcomePermanentError OutcomeKind = "permanent_error"
)

// StatusPending is the row status of a seeded id that no lookup has touched
// yet. It is a store-level state, not an OutcomeKind: the engine never emits
// it and Validate rejects it.
const StatusPending = "pending"

// Retryable reports whether the kind represents a failure the scheduler may
// requeue rather than finalize.
func (k OutcomeKind) Retryable() bool {
	return k == OutcomeBlocked || k == OutcomeTransientError
}

// Outcome is the result of driving one RequestID through the lookup portal.
// Exactly one final Outcome per id is persisted per run.
type Outcome struct {
	ID   RequestID   `json:"id"`
	Kind OutcomeKind `json:"kind"`

	// Name is the registered business name (razón social). Estado and
	// Condicion carry the portal's taxpayer standing fields verbatim
	// ("ACTIVO", "HABIDO", ...); translating them would lose meaning.
	Name      string `json:"name,omitempty"`
	Estado    string `json:"estado,omitempty"`
	Condicion string `json:"condicion,omitempty"`

	// Evidence holds a short diagnostic excerpt; EvidenceKey points at the
	// archived page snapshot when one was stored.
	Evidence    string `json:"evidence,omitempty"`
	EvidenceKey string `json:"evidence_key,omitempty"`

	Attempts  int       `json:"attempts"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// Validate enforces the outcome invariants: a Found outcome carries a name,
// a Blocked or TransientError outcome never does.
func (o Outcome) Validate() error {
	if _, err := ParseRequestID(string(o.ID)); err != nil {
		return err
	}
	switch o.Kind {
	case OutcomeFound:
		if o.Name == "" {
			return fmt.Errorf("outcome for %s: found without a name", o.ID)
		}
	case OutcomeBlocked, OutcomeTransientError:
		if o.Name != "" {
			return fmt.Errorf("outcome for %s: %s carries a name", o.ID, o.Kind)
		}
	case OutcomeNotFound, OutcomePermanentError:
	default:
		return fmt.Errorf("outcome for %s: unknown kind %q", o.ID, o.Kind)
	}
	return nil
}

// Challenge is the CAPTCHA material lifted from the current page, scoped to
// one request and discarded after resolution.
type Challenge struct {
	SiteKey  string
	PageURL  string
	ImageB64 string
}

// Empty reports whether the page presented no solvable challenge.
func (c Challenge) Empty() bool {
	return c.SiteKey == "" && c.ImageB64 == ""
}

// Challenge resolution methods. The method decides how the answer is fed
// back into the page: a token is injected into the hidden response field,
// an image code is typed into the visible input.
const (
	MethodToken = "token"
	MethodImage = "image"
)

// Answer is a solved challenge: the value to feed back plus the method that
// produced it.
type Answer struct {
	Value  string
	Method string
}

// Confidence grades how directly an extraction strategy located its answer.
type Confidence string

// Extraction confidence levels.
const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Extraction is the best-effort record pulled from a rendered result page.
type Extraction struct {
	Name       string
	Estado     string
	Condicion  string
	Strategy   string
	Confidence Confidence
}

// Empty reports whether no strategy produced a name.
func (e Extraction) Empty() bool {
	return e.Name == ""
}

// WorkItem is a slice of the id space assigned atomically to one worker.
// Requeued ids travel as single-id items with the attempt count bumped.
type WorkItem struct {
	IDs     []RequestID
	Attempt int
}

// OutcomeStats aggregates persisted outcomes by kind for progress reporting.
type OutcomeStats struct {
	Total    int64            `json:"total"`
	ByKind   map[string]int64 `json:"by_kind"`
	OldestAt time.Time        `json:"oldest_at,omitempty"`
	NewestAt time.Time        `json:"newest_at,omitempty"`
}

// RunRecord tracks one scheduler run for the monitor surface.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	Finished   *time.Time
	Dispatched int64
	Completed  int64
	Watermark  int64
}
