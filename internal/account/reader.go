package account

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/model"
	"github.com/finbank/transaction-engine/internal/repo"
)

// Reader serves balance lookups cache-first, falling back to storage and
// repopulating the cache on a miss.
type Reader struct {
	repo *repo.Repository
}

func NewReader(r *repo.Repository) *Reader {
	return &Reader{repo: r}
}

func (r *Reader) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if bal, err := r.repo.GetCachedBalance(ctx, accountID); err == nil {
		return bal, nil
	}
	var a model.Account
	if err := r.repo.DB(ctx).Where("id = ?", accountID).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, apperr.ErrNotFound
		}
		return decimal.Zero, err
	}
	_ = r.repo.CacheBalance(ctx, accountID, a.Balance)
	return a.Balance, nil
}
