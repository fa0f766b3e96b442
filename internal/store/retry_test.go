package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/371-Minds/credvault/internal/vault"
	"github.com/371-Minds/credvault/pkg/schema"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"locked", storeErr("save snapshot", errors.New("database is locked")), true},
		{"busy plain", errors.New("SQLITE_BUSY: cannot commit"), true},
		{"io", storeErr("save snapshot", errors.New("disk I/O error")), true},
		{"constraint", storeErr("save snapshot", errors.New("UNIQUE constraint failed")), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "database is locked"), false},
		{"not found", schema.NewError(schema.ErrCodeNotFound, "no snapshot"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Delay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 350*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 350*time.Millisecond, p.Backoff(10))

	uncapped := RetryPolicy{Delay: time.Millisecond}
	assert.Equal(t, 8*time.Millisecond, uncapped.Backoff(3))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return storeErr("save", errors.New("database is locked"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		return schema.NewError(schema.ErrCodeValidation, "bad snapshot")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 2, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		return storeErr("save", errors.New("database is locked"))
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.Equal(t, 2, calls)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Retry(ctx, RetryPolicy{Attempts: 3, Delay: time.Hour}, func(context.Context) error {
		cancel()
		return storeErr("save", errors.New("database is locked"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

type flakySaver struct {
	failures int
	saves    int
}

func (f *flakySaver) Save(_ context.Context, _ vault.SnapshotStore) error {
	f.saves++
	if f.saves <= f.failures {
		return storeErr("save snapshot", errors.New("database is locked"))
	}
	return nil
}

func TestSaveWithRetry(t *testing.T) {
	st := newTestStore(t)
	saver := &flakySaver{failures: 1}
	require.NoError(t, SaveWithRetry(context.Background(), st, saver, RetryPolicy{Attempts: 2, Delay: time.Millisecond}))
	assert.Equal(t, 2, saver.saves)
}
