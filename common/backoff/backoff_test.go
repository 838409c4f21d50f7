// common/backoff/backoff_test.go
package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/market-stream/common/backoff"
	"github.com/YaganovValera/market-stream/common/logger"
)

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	cfg := backoff.Config{MaxElapsedTime: time.Second}
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecute_EventualSuccess(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 5 * time.Millisecond, Multiplier: 1, MaxElapsedTime: time.Second}
	attemptsBeforeSuccess := 3
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		if called < attemptsBeforeSuccess {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if called != attemptsBeforeSuccess {
		t.Errorf("expected %d attempts, got %d", attemptsBeforeSuccess, called)
	}
}

func TestExecute_MaxRetriesExceeded(t *testing.T) {
	cfg := backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxRetries: 3}
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return errors.New("always fail")
	})
	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if called != 4 {
		t.Errorf("expected 4 attempts (1 + 3 retries), got %d", called)
	}
	if maxErr.Attempts != called {
		t.Errorf("attempts mismatch: ErrMaxRetries.Attempts=%d, actual=%d", maxErr.Attempts, called)
	}
}

func TestExecute_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("bad credentials")
	called := 0
	err := backoff.Execute(context.Background(), backoff.Config{InitialInterval: time.Millisecond}, logger.NewNop(),
		func(ctx context.Context) error {
			called++
			return backoff.Permanent(sentinel)
		})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecuteWithPolicy_GivesUp(t *testing.T) {
	pc := backoff.PolicyConfig{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2}
	called := 0
	err := backoff.ExecuteWithPolicy(context.Background(), pc, logger.NewNop(), func(ctx context.Context) error {
		called++
		return errors.New("down")
	})
	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if called != 3 {
		t.Errorf("expected 3 attempts, got %d", called)
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := backoff.Execute(ctx, backoff.Config{InitialInterval: time.Millisecond}, logger.NewNop(),
		func(ctx context.Context) error { return errors.New("fail") })
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
