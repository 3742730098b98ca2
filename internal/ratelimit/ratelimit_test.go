package ratelimit_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokensentry/sentinel/internal/ratelimit"
)

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	l := ratelimit.New(nil)
	l.Register("test-source", ratelimit.Config{
		RequestsPerSecond: 100,
		Burst:             5,
		MaxRetries:        3,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        10 * time.Millisecond,
	})
	return l
}

func TestExecute_SucceedsImmediately(t *testing.T) {
	l := newTestLimiter(t)
	var calls int32
	err := l.Execute(context.Background(), "test-source", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}

func TestExecute_RetriesOnRetryableError(t *testing.T) {
	l := newTestLimiter(t)
	var calls int32
	err := l.Execute(context.Background(), "test-source", func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return &ratelimit.RetryableError{Err: errors.New("boom")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestExecute_NonRetryableReturnsImmediately(t *testing.T) {
	l := newTestLimiter(t)
	var calls int32
	wantErr := errors.New("bad request")
	err := l.Execute(context.Background(), "test-source", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wantErr, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for a non-retryable error, got %d", calls)
	}
}

func TestExecute_ExhaustsRetriesReturnsUnavailable(t *testing.T) {
	l := newTestLimiter(t)
	err := l.Execute(context.Background(), "test-source", func(ctx context.Context) error {
		return &ratelimit.RetryableError{Err: errors.New("still down")}
	})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
}

func TestExecute_ContextCancellationAborts(t *testing.T) {
	l := newTestLimiter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Execute(ctx, "test-source", func(ctx context.Context) error {
		t.Fatal("op should not run after context is already cancelled")
		return nil
	})
	if err == nil {
		t.Fatal("expected an error from a cancelled context")
	}
}

func TestExecute_UnregisteredSource(t *testing.T) {
	l := ratelimit.New(nil)
	err := l.Execute(context.Background(), "unknown", func(ctx context.Context) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected an error for an unregistered source")
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	if err := ratelimit.ClassifyHTTPStatus(200, 0, nil); err != nil {
		t.Errorf("200 should not be an error, got %v", err)
	}
	if err := ratelimit.ClassifyHTTPStatus(404, 0, errors.New("nf")); err == nil {
		t.Error("404 should be a non-retryable error")
	} else {
		var re *ratelimit.RetryableError
		if errors.As(err, &re) {
			t.Error("404 should not be retryable")
		}
	}
	if err := ratelimit.ClassifyHTTPStatus(500, 0, errors.New("ise")); err == nil {
		t.Error("500 should be retryable")
	}
	if err := ratelimit.ClassifyHTTPStatus(429, 2*time.Second, errors.New("rl")); err == nil {
		t.Error("429 should be retryable")
	}
}
