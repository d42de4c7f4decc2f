package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concert-ticketing/status"
)

func TestRetryer_SucceedsFirstTry(t *testing.T) {
	r := NewRetryer(3, time.Millisecond, slog.Default())

	calls := 0
	err := r.Run(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetriesTransientThenSucceeds(t *testing.T) {
	r := NewRetryer(3, time.Millisecond, slog.Default())

	calls := 0
	err := r.Run(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: lock busy", status.ErrLockWaitTimeout)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_ExhaustionBecomesOverloaded(t *testing.T) {
	r := NewRetryer(3, time.Millisecond, slog.Default())

	calls := 0
	err := r.Run(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: still busy", status.ErrVersionConflict)
	})
	assert.ErrorIs(t, err, status.ErrOverloaded)
	assert.Equal(t, 3, calls)
}

func TestRetryer_NonTransientReturnsImmediately(t *testing.T) {
	r := NewRetryer(3, time.Millisecond, slog.Default())

	boom := errors.New("boom")
	calls := 0
	err := r.Run(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryer_DuplicatePassesThrough(t *testing.T) {
	r := NewRetryer(3, time.Millisecond, slog.Default())

	calls := 0
	err := r.Run(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: request replayed", status.ErrDuplicateKey)
	})
	assert.ErrorIs(t, err, status.ErrDuplicateKey)
	assert.NotErrorIs(t, err, status.ErrOverloaded)
	assert.Equal(t, 1, calls)
}

func TestRetryer_CancelledContextStopsBackoff(t *testing.T) {
	r := NewRetryer(3, time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx, "op", func(ctx context.Context) error {
		return fmt.Errorf("%w: lock busy", status.ErrLockWaitTimeout)
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryer_DefaultsApplied(t *testing.T) {
	r := NewRetryer(0, 0, slog.Default())
	assert.Equal(t, 3, r.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, r.Backoff)
}
