package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/model"
)

// Store is the only path to account balances. The reconciler never touches
// the account table directly; everything goes through this boundary so the
// account-owning service keeps exclusive control of its rows.
//
// Methods take the caller's gorm session: the reconciler runs them inside
// the idempotency ledger's storage transaction so the balance mutation and
// the ledger insert commit or roll back together.
type Store interface {
	GetBalance(ctx context.Context, tx *gorm.DB, accountID string) (decimal.Decimal, uint64, error)
	ApplyDelta(ctx context.Context, tx *gorm.DB, accountID string, delta decimal.Decimal, expectedVersion uint64) error
}

// GormStore implements Store over the shared postgres handle.
type GormStore struct{}

func NewGormStore() *GormStore { return &GormStore{} }

// GetBalance reads the snapshot, creating a zero-balance row on first
// reference so credits to brand-new accounts do not bounce.
func (s *GormStore) GetBalance(ctx context.Context, tx *gorm.DB, accountID string) (decimal.Decimal, uint64, error) {
	var a model.Account
	err := tx.WithContext(ctx).Where("id = ?", accountID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a = model.Account{ID: accountID, Balance: decimal.Zero}
		if err := tx.WithContext(ctx).Create(&a).Error; err != nil {
			return decimal.Zero, 0, fmt.Errorf("%w: create account %s: %v", apperr.ErrTransientStorage, accountID, err)
		}
		return a.Balance, a.Version, nil
	}
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("%w: read account %s: %v", apperr.ErrTransientStorage, accountID, err)
	}
	return a.Balance, a.Version, nil
}

// ApplyDelta adds the signed amount under the optimistic version guard.
// Zero rows touched means a concurrent writer got there first; the caller
// re-reads and retries.
func (s *GormStore) ApplyDelta(ctx context.Context, tx *gorm.DB, accountID string, delta decimal.Decimal, expectedVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", accountID, expectedVersion).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", delta),
			"version":    expectedVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("%w: update account %s: %v", apperr.ErrTransientStorage, accountID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrConcurrentModification
	}
	return nil
}
