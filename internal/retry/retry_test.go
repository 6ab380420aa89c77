package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbank/transaction-engine/internal/apperr"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: connection reset", apperr.ErrTransientStorage)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_TransientExhaustsBudget(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("%w: still down", apperr.ErrTransientStorage)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTransientStorage)
	assert.Equal(t, 4, calls)
}

func TestDo_PermanentFailsImmediately(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("%w: bad payload", apperr.ErrSchema)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrSchema)
	assert.Equal(t, 1, calls, "schema failures get no second attempt")
}

func TestDo_UnclassifiedFailsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}.Do(ctx, func() error {
		calls++
		cancel()
		return fmt.Errorf("%w: flaky", apperr.ErrTransientStorage)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
