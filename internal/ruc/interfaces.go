package ruc

import (
	"context"
	"time"
)

// Session is a live automation handle to the lookup portal. A Session is
// exclusively owned by one worker at a time and is never shared.
type Session interface {
	// ID identifies the underlying browser instance; it changes on restart.
	ID() string
	Open(ctx context.Context, url string) error
	Fill(ctx context.Context, selector string, value string) error
	Click(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, script string) error
	WaitVisible(ctx context.Context, selector string) error
	Content(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	CaptureElement(ctx context.Context, selector string) ([]byte, error)
	Close(ctx context.Context) error
}

// SessionFactory mints fresh sessions; the supervisor owns their lifetime.
type SessionFactory interface {
	New(ctx context.Context) (Session, error)
}

// Solver is the external CAPTCHA-solving service: submit a challenge, then
// poll until the answer is ready.
type Solver interface {
	SubmitToken(ctx context.Context, siteKey string, pageURL string) (string, error)
	SubmitImage(ctx context.Context, imageB64 string) (string, error)
	// Poll returns the answer once ready; ready is false while the job is
	// still pending. A rejected job returns an error.
	Poll(ctx context.Context, jobID string) (answer string, ready bool, err error)
}

// ChallengeResolver turns challenge material into an answer.
type ChallengeResolver interface {
	Resolve(ctx context.Context, ch Challenge) (Answer, error)
}

// Extractor pulls a best-effort record out of a rendered result page.
type Extractor interface {
	Extract(pageHTML string) (Extraction, error)
}

// OutcomeStore persists final outcomes and serves resume state.
type OutcomeStore interface {
	Upsert(ctx context.Context, outcome Outcome) error
	// PendingIDs returns up to limit ids that still need a lookup: seeded
	// rows plus earlier retryable failures. It never returns a settled id.
	PendingIDs(ctx context.Context, limit int) ([]RequestID, error)
	CompletedIDs(ctx context.Context) (map[RequestID]struct{}, error)
	// FailedIDs lists ids whose latest outcome was a failure, for review.
	FailedIDs(ctx context.Context) ([]RequestID, error)
	Watermark(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (OutcomeStats, error)
}

// RunStore records scheduler runs for the monitoring surface.
type RunStore interface {
	StartRun(ctx context.Context, run RunRecord) error
	UpdateRun(ctx context.Context, run RunRecord) error
	LatestRun(ctx context.Context) (RunRecord, error)
}

// EvidenceStore archives page snapshots for ids that need manual review.
type EvidenceStore interface {
	Save(ctx context.Context, id RequestID, pageHTML []byte) (string, error)
}

// Publisher pushes finalized outcomes to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, outcome Outcome) (string, error)
}

// Queue provides enqueue/dequeue semantics for work items.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
