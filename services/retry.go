package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"concert-ticketing/monitoring"
	"concert-ticketing/status"
)

// Retryer reruns an operation that failed on a concurrency hiccup. Attempts
// are bounded and backoff grows linearly with the attempt number; anything
// still failing after that surfaces as ErrOverloaded.
type Retryer struct {
	MaxAttempts int
	Backoff     time.Duration
	logger      *slog.Logger
}

func NewRetryer(maxAttempts int, backoff time.Duration, logger *slog.Logger) *Retryer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &Retryer{MaxAttempts: maxAttempts, Backoff: backoff, logger: logger}
}

// Run executes op, retrying transient failures. Duplicate-key failures pass
// through untouched so the caller can resolve them as idempotent replays.
func (r *Retryer) Run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				monitoring.CommandRetries.WithLabelValues(name, "recovered").Inc()
			}
			return nil
		}
		if !status.IsTransient(err) {
			return err
		}
		lastErr = err
		monitoring.CommandRetries.WithLabelValues(name, "retried").Inc()
		r.logger.Warn("transient failure, retrying",
			"op", name, "attempt", attempt, "max", r.MaxAttempts, "error", err)

		if attempt == r.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * r.Backoff):
		}
	}
	monitoring.CommandRetries.WithLabelValues(name, "exhausted").Inc()
	return fmt.Errorf("%w: %s failed after %d attempts: %v",
		status.ErrOverloaded, name, r.MaxAttempts, lastErr)
}
