package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageLookupStart     Stage = "LOOKUP_START"
	StageLookupDone      Stage = "LOOKUP_DONE"
	StageChallengeSolved Stage = "CHALLENGE_SOLVED"
	StageSessionRestart  Stage = "SESSION_RESTART"
	StageBackoff         Stage = "BACKOFF"
	StageRequeue         Stage = "REQUEUE"
)

// Event captures a single milestone inside a harvest run.
type Event struct {
	// RunID identifies the harvest run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// ID is the taxpayer id the event concerns; empty for session-level events.
	ID ruc.RequestID
	// Kind classifies the result for LOOKUP_DONE and REQUEUE events.
	Kind ruc.OutcomeKind
	// Attempt is the 1-based attempt number for the lookup.
	Attempt int
	// Method names the extraction or challenge strategy that produced the result.
	Method string
	// Reason labels restarts and backoffs with a low-cardinality cause.
	Reason string
	// Dur captures execution latency for completed lookups.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageLookupStart:
		if e.ID == "" {
			return errors.New("lookup start requires an id")
		}
	case StageLookupDone, StageRequeue:
		if e.ID == "" {
			return fmt.Errorf("%s requires an id", e.Stage)
		}
		if e.Kind == "" {
			return fmt.Errorf("%s requires an outcome kind", e.Stage)
		}
	case StageChallengeSolved:
		if e.Method == "" {
			return errors.New("challenge solved requires a method")
		}
	case StageSessionRestart:
		if e.Reason == "" {
			return errors.New("session restart requires a reason")
		}
	case StageBackoff:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
