package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Source errors
var (
	// ErrSourceUnavailable is returned when a source client exhausts its
	// retry budget without a successful response.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrRateLimited is returned when the per-source token bucket cannot hand
	// out a token before the caller's context is cancelled or its deadline
	// passes.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSourceTimeout classifies a source call cut short by its per-call
	// deadline. The rate limiter does not wrap deadline errors with it; a
	// deadline reaches callers as the context's own error.
	ErrSourceTimeout = errors.New("source call timed out")

	// ErrMalformedResponse is returned when a source responds 200 OK but the
	// payload cannot be decoded into the expected shape.
	ErrMalformedResponse = errors.New("malformed source response")
)

// Pipeline errors
//
// Filter rejection is deliberately NOT a sentinel here: a token failing a
// FilterCriteria threshold is a normal outcome, not a fault, and is recorded
// as data on CombinedAnalysis (Passed/FailedFilters) rather than returned as
// an error up the call stack.
var (
	// ErrPipelineTimeout classifies a token whose total processing time
	// exceeds its configured budget across all stages. The pipeline itself
	// records this case as the FailedFilters entry "pipeline: timeout".
	ErrPipelineTimeout = errors.New("pipeline processing timed out")

	// ErrInvariantViolation classifies a stage result that breaks a
	// documented invariant (e.g. a score outside its 0..100 range). The
	// pipeline records a recovered stage panic as the FailedFilters entry
	// "pipeline: invariant violation".
	ErrInvariantViolation = errors.New("pipeline invariant violation")
)

// Aggregator errors
var (
	// ErrBlacklisted classifies a discovered token address that matches the
	// current BlacklistSet. The aggregator skips such an address before the
	// pipeline without returning an error.
	ErrBlacklisted = errors.New("token address is blacklisted")

	// ErrRunInProgress classifies a scheduled tick that arrives while the
	// previous run has not finished; the tick is coalesced rather than
	// queued. RunOnce reports this case as a failed Run whose Errors holds
	// "run already in progress", not as this error.
	ErrRunInProgress = errors.New("aggregator run already in progress")

	// ErrUnhealthy classifies a run the aggregator declines to start because
	// the health gate reports the dependency set as unhealthy. RunOnce
	// reports this case as a failed Run whose Errors holds
	// "dependencies unhealthy", not as this error.
	ErrUnhealthy = errors.New("dependencies unhealthy, run skipped")
)

// Hub errors
var (
	// ErrTopicNotFound is returned when a subscribe request names a topic
	// the hub does not recognise.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrSlowConsumer classifies a client whose outbound buffer is full and
	// which the hub evicts rather than blocking the publish path. The hub
	// logs the eviction and does not return this error.
	ErrSlowConsumer = errors.New("consumer evicted: send buffer full")

	// ErrHubClosed classifies use of the hub after its Run loop has stopped.
	// Publish and Subscribe do not return it.
	ErrHubClosed = errors.New("hub is closed")
)

// Persistence errors
var (
	// ErrPersistenceUnavailable classifies a store that cannot be reached at
	// all (connection-level failure, as opposed to a constraint error). The
	// postgres store wraps driver errors without this sentinel.
	ErrPersistenceUnavailable = errors.New("persistence store unavailable")

	// ErrTokenNotFound classifies a lookup by address that finds no row. The
	// store has no lookup method that returns it.
	ErrTokenNotFound = errors.New("token not found in store")
)

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

// transientErrors collects sentinels that represent a retryable condition so
// that backoff callers don't have to inspect error strings.
var transientErrors = []error{
	ErrSourceUnavailable,
	ErrRateLimited,
	ErrSourceTimeout,
	ErrPersistenceUnavailable,
}

// IsTransient returns true when err (or any error in its chain) represents a
// condition worth retrying with backoff, as opposed to a permanent rejection.
func IsTransient(err error) bool {
	for _, target := range transientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTimeout returns true for errors produced by a context deadline or
// explicit pipeline budget being exceeded.
func IsTimeout(err error) bool {
	timeoutErrors := []error{
		ErrSourceTimeout,
		ErrPipelineTimeout,
	}
	for _, target := range timeoutErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound returns true for "no such entity" errors.
func IsNotFound(err error) bool {
	notFoundErrors := []error{
		ErrTopicNotFound,
		ErrTokenNotFound,
	}
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
