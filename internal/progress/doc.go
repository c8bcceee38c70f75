// Package progress provides the event primitives, non-blocking hub, and run
// ledger that lookup workers use to report harvest progress. The hub batches
// events on a background goroutine and fans them out to pluggable sinks such
// as Prometheus metrics or structured logs; the ledger keeps authoritative
// per-kind counts and the contiguous resume watermark for the current run.
package progress
