package ruc

import "errors"

// Sentinel errors matched with errors.Is across the engine.
var (
	// ErrBlocked marks a site-level soft-block signature: rate-limit
	// banner, challenge repeat loop, or connection refusal.
	ErrBlocked = errors.New("blocked by target site")

	// ErrSolverUnavailable marks a solver that cannot accept work right
	// now; the request is retryable.
	ErrSolverUnavailable = errors.New("captcha solver unavailable")

	// ErrSolverTimeout marks a solve that exceeded the poll ceiling.
	// Repeated timeouts on one session trigger a session restart.
	ErrSolverTimeout = errors.New("captcha solver timed out")

	// ErrSolverRejected marks a job the solver gave up on. Repeated
	// rejections on one session count toward the restart streak.
	ErrSolverRejected = errors.New("captcha solver rejected the challenge")

	// ErrSessionUnresponsive marks a session that failed the
	// responsiveness probe and must be replaced.
	ErrSessionUnresponsive = errors.New("session unresponsive")

	// ErrNoRecord marks an explicit negative result page.
	ErrNoRecord = errors.New("no record for id")

	// ErrAmbiguousResult marks a result page that rendered without a block
	// or negative signature yet yielded no recognizable record. These ids
	// need manual review and must never be written off as not found.
	ErrAmbiguousResult = errors.New("ambiguous result page")

	// ErrNoRuns is returned by run stores that have no recorded runs yet.
	ErrNoRuns = errors.New("no harvest runs recorded")
)

// Classify maps an in-flight error to the outcome kind it finalizes as.
// Anything without a block or ambiguity signature is treated as transient;
// permanent errors come only from the ambiguous-result classification made
// at extraction time.
func Classify(err error) OutcomeKind {
	switch {
	case err == nil:
		return OutcomeFound
	case errors.Is(err, ErrNoRecord):
		return OutcomeNotFound
	case errors.Is(err, ErrBlocked):
		return OutcomeBlocked
	case errors.Is(err, ErrAmbiguousResult):
		return OutcomePermanentError
	default:
		return OutcomeTransientError
	}
}
