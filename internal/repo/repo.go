package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/model"
)

// Repository wraps gorm and the redis balance cache. All storage access in
// the engine goes through it; callers that need multi-statement atomicity
// pass the *gorm.DB session they got from DB(ctx).Transaction.
type Repository struct {
	db  *gorm.DB
	rdb *redis.Client
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// AutoMigrate creates/updates all engine tables.
func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&model.Account{},
		&model.Transaction{},
		&model.OutboxEvent{},
		&model.AppliedEvent{},
		&model.DeadLetter{},
	)
}

// storageErr folds driver-level failures into the transient class so the
// retry policy can absorb them. Not-found keeps its own identity.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	return fmt.Errorf("%w: %v", apperr.ErrTransientStorage, err)
}

// GetTransaction loads one transaction row.
func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, storageErr(err)
	}
	return &t, nil
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return storageErr(tx.WithContext(ctx).Create(t).Error)
}

// UpdateTransaction applies fields under the optimistic version guard. The
// caller presents the version it read; zero rows touched means somebody else
// won the race.
func (r *Repository) UpdateTransaction(ctx context.Context, tx *gorm.DB, id string, oldVersion uint64, fields map[string]interface{}) error {
	fields["version"] = oldVersion + 1
	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND version = ?", id, oldVersion).
		Updates(fields)
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrConcurrentModification
	}
	return nil
}

// ListDueScheduled selects scheduled transactions whose time has arrived, in
// deterministic order so racing dispatcher replicas walk the same list.
func (r *Repository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", model.StatusScheduled, now).
		Order("scheduled_at asc, id asc").
		Limit(limit).
		Find(&txs).Error
	return txs, storageErr(err)
}

// ListStuckExecuting finds executing rows older than the cutoff; the sweep
// reverts them to pending for a fresh optimistic attempt.
func (r *Repository) ListStuckExecuting(ctx context.Context, cutoff time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND executing_since <= ?", model.StatusExecuting, cutoff).
		Order("id asc").
		Find(&txs).Error
	return txs, storageErr(err)
}

// ListByAccount fetches recent transactions touching an account.
func (r *Repository) ListByAccount(ctx context.Context, accountID string, limit int, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("(source_account_id = ? OR destination_account_id = ?) AND created_at >= ?", accountID, accountID, since).
		Order("created_at asc").
		Limit(limit).
		Find(&txs).Error
	return txs, storageErr(err)
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return storageErr(tx.WithContext(ctx).Create(evt).Error)
}

// PollOutbox pulls unpublished events in creation order.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("published = ?", false).
		Order("id asc").
		Limit(limit).
		Find(&evts).Error
	return evts, storageErr(err)
}

// MarkOutboxPublished clears the unpublished marker after the broker acked.
func (r *Repository) MarkOutboxPublished(ctx context.Context, id uint64) error {
	now := time.Now()
	return storageErr(r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"published": true, "published_at": &now}).Error)
}

// CreateDeadLetter files an event for manual inspection.
func (r *Repository) CreateDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	return storageErr(r.db.WithContext(ctx).Create(dl).Error)
}

// GetAppliedEvent reads one idempotency ledger row.
func (r *Repository) GetAppliedEvent(ctx context.Context, tx *gorm.DB, consumer, key string) (*model.AppliedEvent, error) {
	var row model.AppliedEvent
	err := tx.WithContext(ctx).
		Where("consumer_name = ? AND idempotency_key = ?", consumer, key).
		First(&row).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return &row, nil
}

// PruneAppliedEvents drops ledger rows older than the transport replay
// window; redelivery cannot reach back past it.
func (r *Repository) PruneAppliedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("applied_at < ?", cutoff).
		Delete(&model.AppliedEvent{})
	return res.RowsAffected, storageErr(res.Error)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, accountID string, bal decimal.Decimal) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, "balance:"+accountID, bal.String(), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, redis.Nil
	}
	str, err := r.rdb.Get(ctx, "balance:"+accountID).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}
