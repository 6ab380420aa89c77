package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/logger"
	"github.com/finbank/transaction-engine/internal/model"
	"github.com/finbank/transaction-engine/internal/repo"
)

func newTestLedger(t *testing.T) (*Ledger, *repo.Repository, context.Context) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	log, err := logger.New("test")
	require.NoError(t, err)

	repository := repo.NewRepository(db, nil, log)
	require.NoError(t, repository.AutoMigrate())

	return New(repository, log), repository, context.Background()
}

func TestTryApply_EffectRunsOnce(t *testing.T) {
	led, _, ctx := newTestLedger(t)

	runs := 0
	effect := func(tx *gorm.DB) (Result, error) {
		runs++
		return Result{Outcome: model.OutcomeApplied, Detail: `{"n":1}`}, nil
	}

	applied, res, err := led.TryApply(ctx, "balance-reconciler", "t1", effect)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, runs)

	// every redelivery returns the identical cached result
	for i := 0; i < 5; i++ {
		applied, res2, err := led.TryApply(ctx, "balance-reconciler", "t1", effect)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, res, res2)
	}
	assert.Equal(t, 1, runs)
}

func TestTryApply_ScopedPerConsumer(t *testing.T) {
	led, _, ctx := newTestLedger(t)

	effect := func(tx *gorm.DB) (Result, error) {
		return Result{Outcome: model.OutcomeApplied}, nil
	}

	applied, _, err := led.TryApply(ctx, "consumer-a", "t1", effect)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, _, err = led.TryApply(ctx, "consumer-b", "t1", effect)
	require.NoError(t, err)
	assert.True(t, applied, "same key under a different consumer is a distinct effect")
}

func TestTryApply_ErrorRollsBack(t *testing.T) {
	led, repository, ctx := newTestLedger(t)

	boom := errors.New("storage blew up")
	effect := func(tx *gorm.DB) (Result, error) {
		// local mutation that must not survive the rollback
		if err := tx.Create(&model.Account{ID: "X"}).Error; err != nil {
			return Result{}, err
		}
		return Result{}, boom
	}

	_, _, err := led.TryApply(ctx, "c", "k", effect)
	assert.ErrorIs(t, err, boom)

	var count int64
	repository.DB(ctx).Model(&model.Account{}).Count(&count)
	assert.Zero(t, count, "effect mutation must roll back with the ledger row")

	// retry after transient failure re-attempts the effect
	ok := func(tx *gorm.DB) (Result, error) {
		return Result{Outcome: model.OutcomeApplied}, nil
	}
	applied, _, err := led.TryApply(ctx, "c", "k", ok)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestTryApply_RejectedDecisionFrozen(t *testing.T) {
	led, _, ctx := newTestLedger(t)

	applied, res, err := led.TryApply(ctx, "c", "k", func(tx *gorm.DB) (Result, error) {
		return Result{Outcome: model.OutcomeRejected, Detail: `{"reason":"insufficient_funds"}`}, nil
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, res.Applied())

	// redelivery must not re-evaluate
	applied, res, err = led.TryApply(ctx, "c", "k", func(tx *gorm.DB) (Result, error) {
		t.Fatal("effect must not re-run for a frozen decision")
		return Result{}, nil
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.OutcomeRejected, res.Outcome)
}

func TestTryApply_ConcurrentCallers(t *testing.T) {
	led, _, ctx := newTestLedger(t)

	var mu sync.Mutex
	runs := 0
	effect := func(tx *gorm.DB) (Result, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return Result{Outcome: model.OutcomeApplied}, nil
	}

	var wg sync.WaitGroup
	appliedCount := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// sqlite may briefly refuse the competing writer; callers
			// retry transients just like the consumer does.
			for attempt := 0; attempt < 50; attempt++ {
				applied, res, err := led.TryApply(ctx, "c", "race", effect)
				if err != nil {
					time.Sleep(time.Millisecond)
					continue
				}
				assert.Equal(t, model.OutcomeApplied, res.Outcome)
				mu.Lock()
				if applied {
					appliedCount++
				}
				mu.Unlock()
				return
			}
			t.Error("caller never got a result")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, appliedCount, "exactly one caller applies")
}

func TestSeen(t *testing.T) {
	led, repository, ctx := newTestLedger(t)

	_, seen, err := led.Seen(ctx, repository.DB(ctx), "c", "nope")
	require.NoError(t, err)
	assert.False(t, seen)

	_, _, err = led.TryApply(ctx, "c", "yes", func(tx *gorm.DB) (Result, error) {
		return Result{Outcome: model.OutcomeApplied}, nil
	})
	require.NoError(t, err)

	row, seen, err := led.Seen(ctx, repository.DB(ctx), "c", "yes")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, model.OutcomeApplied, row.Outcome)
}
