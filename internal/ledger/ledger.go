package ledger

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/model"
	"github.com/finbank/transaction-engine/internal/repo"
)

// Result is what an effect produced, frozen in the ledger at first
// successful evaluation. A rejected outcome is still a committed decision:
// redelivery returns it instead of re-checking against a changed balance.
type Result struct {
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// Applied reports whether the effect mutated state.
func (r Result) Applied() bool { return r.Outcome == model.OutcomeApplied }

// Effect runs inside the ledger's storage transaction. It may only mutate
// local storage through tx; side effects on external systems are forbidden
// because a rollback would not undo them. Returning an error rolls back both
// the effect and the ledger row, so a later retry re-attempts cleanly.
type Effect func(tx *gorm.DB) (Result, error)

// Ledger is the per-consumer record of which idempotency keys have already
// produced an effect. It turns the transport's at-least-once delivery into
// at-most-once effect per (consumer, key).
type Ledger struct {
	repo *repo.Repository
	log  *zap.SugaredLogger
}

func New(r *repo.Repository, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{repo: r, log: logger}
}

// TryApply atomically checks (consumer, key); a present row short-circuits
// with the stored result, an absent one runs effect and inserts the row in
// the same storage transaction. The losing side of a concurrent race either
// blocks on the row lock or hits the duplicate-key insert, after which the
// committed row is re-read and returned.
func (l *Ledger) TryApply(ctx context.Context, consumer, key string, effect Effect) (bool, Result, error) {
	var res Result
	applied := false

	run := func(tx *gorm.DB) error {
		row, err := l.repo.GetAppliedEvent(ctx, tx, consumer, key)
		if err == nil {
			res = Result{Outcome: row.Outcome, Detail: row.ResultSummary}
			return nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}

		res, err = effect(tx)
		if err != nil {
			return err
		}
		entry := &model.AppliedEvent{
			ConsumerName:   consumer,
			IdempotencyKey: key,
			Outcome:        res.Outcome,
			ResultSummary:  res.Detail,
		}
		if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
			return err
		}
		applied = true
		return nil
	}

	err := l.repo.DB(ctx).Transaction(run)
	if err == nil {
		return applied, res, nil
	}

	// A concurrent caller may have committed the row between our read and
	// insert; the duplicate-key failure means the result now exists.
	if row, rerr := l.repo.GetAppliedEvent(ctx, l.repo.DB(ctx), consumer, key); rerr == nil {
		l.log.Debugf("ledger race on %s/%s resolved by committed row", consumer, key)
		return false, Result{Outcome: row.Outcome, Detail: row.ResultSummary}, nil
	}
	return false, Result{}, err
}

// Seen reports whether (consumer, key) already has a committed row, without
// running anything. The reconciler uses it for the deleted-dominates check.
func (l *Ledger) Seen(ctx context.Context, tx *gorm.DB, consumer, key string) (*model.AppliedEvent, bool, error) {
	row, err := l.repo.GetAppliedEvent(ctx, tx, consumer, key)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row, true, nil
}
