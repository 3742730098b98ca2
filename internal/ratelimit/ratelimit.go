// Package ratelimit gates outbound calls to flaky third-party sources with a
// per-source token bucket plus exponential backoff and a failure-triggered
// backoff floor (a circuit-breaker approximation). One Limiter instance is
// shared across all four source clients; each source gets its own bucket
// keyed by sourceKey.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tokensentry/sentinel/internal/domain"
)

// Config is one source's bucket + retry parameters.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
}

type sourceState struct {
	limiter *rate.Limiter

	mu             sync.Mutex
	backoffFloor   time.Duration
	consecutiveErr int
}

// Limiter owns one independent token bucket per sourceKey plus that source's
// backoff floor, mirroring the teacher's per-IP bucket map generalized to
// per-source keys.
type Limiter struct {
	mu      sync.RWMutex
	sources map[string]*sourceState
	configs map[string]Config
	log     *slog.Logger
}

func New(log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		sources: make(map[string]*sourceState),
		configs: make(map[string]Config),
		log:     log,
	}
}

// Register creates (or replaces) the bucket configuration for sourceKey.
// Call once per source at startup.
func (l *Limiter) Register(sourceKey string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[sourceKey] = cfg
	l.sources[sourceKey] = &sourceState{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

func (l *Limiter) stateFor(sourceKey string) (*sourceState, Config, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.sources[sourceKey]
	cfg := l.configs[sourceKey]
	return st, cfg, ok
}

// Op is the operation Execute gates and retries. A non-nil, retryable error
// triggers another attempt; ctx cancellation aborts immediately.
type Op func(ctx context.Context) error

// RetryableError marks an error returned from an Op as worth retrying
// (transport failure, 5xx, 429, timeout). Wrap with RetryAfter to honor a
// server-provided Retry-After hint on the next backoff sleep.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration // 0 means "use the computed backoff"
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Execute acquires a token from sourceKey's bucket (waiting cooperatively,
// honoring ctx), runs op, and retries with exponential backoff + jitter on a
// RetryableError up to cfg.MaxRetries times. Non-retryable errors return
// immediately. Repeated failures raise a backoff floor for the source; every
// subsequent acquire waits at least that long until a success decays it.
func (l *Limiter) Execute(ctx context.Context, sourceKey string, op Op) error {
	st, cfg, ok := l.stateFor(sourceKey)
	if !ok {
		return fmt.Errorf("ratelimit: unregistered source %q", sourceKey)
	}

	attempt := 0
	delay := cfg.BackoffInitial
	for {
		if err := l.waitForFloor(ctx, st); err != nil {
			return err
		}
		if err := st.limiter.Wait(ctx); err != nil {
			return errors.Join(domain.ErrRateLimited, err)
		}

		err := op(ctx)
		if err == nil {
			l.recordSuccess(st)
			return nil
		}

		var retryable *RetryableError
		if !errors.As(err, &retryable) {
			return err // non-retryable, e.g. 4xx other than 429
		}

		l.recordFailure(st, cfg)

		attempt++
		if attempt > cfg.MaxRetries {
			return errors.Join(domain.ErrSourceUnavailable, err)
		}

		wait := retryable.RetryAfter
		if wait == 0 {
			wait = jittered(delay)
		}
		l.log.Debug("ratelimit: retrying after failure",
			"source", sourceKey, "attempt", attempt, "wait", wait, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
		}
	}
}

// waitForFloor blocks for the source's full current backoff floor, counted
// from this call, or until ctx is cancelled.
func (l *Limiter) waitForFloor(ctx context.Context, st *sourceState) error {
	st.mu.Lock()
	floor := st.backoffFloor
	st.mu.Unlock()
	if floor <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(floor):
		return nil
	}
}

func (l *Limiter) recordSuccess(st *sourceState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.consecutiveErr = 0
	st.backoffFloor /= 2
	if st.backoffFloor < time.Millisecond*10 {
		st.backoffFloor = 0
	}
}

func (l *Limiter) recordFailure(st *sourceState, cfg Config) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.consecutiveErr++
	if st.consecutiveErr >= 3 {
		floor := cfg.BackoffInitial * time.Duration(st.consecutiveErr-2)
		if floor > cfg.BackoffMax {
			floor = cfg.BackoffMax
		}
		st.backoffFloor = floor
	}
}

// Reset clears a source's backoff floor and failure streak. Each source
// client's Health probe, which the health monitor runs, calls this after a
// successful probe so a recovered source isn't kept artificially throttled.
func (l *Limiter) Reset(sourceKey string) {
	st, _, ok := l.stateFor(sourceKey)
	if !ok {
		return
	}
	st.mu.Lock()
	st.consecutiveErr = 0
	st.backoffFloor = 0
	st.mu.Unlock()
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(float64(d) * factor)
}

// ClassifyHTTPStatus turns an HTTP status code into a retry decision,
// following §4.1: 5xx and 429 are retryable (429 honors Retry-After), other
// 4xx are not.
func ClassifyHTTPStatus(status int, retryAfter time.Duration, err error) error {
	switch {
	case status == 0:
		return &RetryableError{Err: err}
	case status == http.StatusTooManyRequests:
		return &RetryableError{Err: err, RetryAfter: retryAfter}
	case status >= 500:
		return &RetryableError{Err: err}
	case status >= 400:
		return err
	default:
		return nil
	}
}
