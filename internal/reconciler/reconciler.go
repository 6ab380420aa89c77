package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/account"
	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/event"
	"github.com/finbank/transaction-engine/internal/ledger"
	"github.com/finbank/transaction-engine/internal/model"
	"github.com/finbank/transaction-engine/internal/repo"
	"github.com/finbank/transaction-engine/internal/retry"
	"github.com/finbank/transaction-engine/internal/txn"
)

// ProducerName tags envelopes emitted by the account side of the engine.
const ProducerName = "account-service"

// Reconciler applies balance deltas for delivered transaction events. The
// idempotency ledger keyed by the business transaction id converts the
// transport's at-least-once delivery into exactly-once effect; the decision
// for each key (applied or rejected for insufficient funds) is frozen at
// first evaluation and redeliveries get the cached result.
type Reconciler struct {
	repo         *repo.Repository
	ledger       *ledger.Ledger
	accounts     account.Store
	txns         *txn.Service
	policy       retry.Policy
	consumerName string
	balanceTopic string
	dlq          event.Publisher
	log          *zap.SugaredLogger
}

type Options struct {
	ConsumerName string
	BalanceTopic string
	Policy       retry.Policy
	DeadLetterer event.Publisher
}

func New(r *repo.Repository, led *ledger.Ledger, accounts account.Store, txns *txn.Service, logger *zap.SugaredLogger, opts Options) *Reconciler {
	if opts.ConsumerName == "" {
		opts.ConsumerName = "balance-reconciler"
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Default
	}
	return &Reconciler{
		repo:         r,
		ledger:       led,
		accounts:     accounts,
		txns:         txns,
		policy:       opts.Policy,
		consumerName: opts.ConsumerName,
		balanceTopic: opts.BalanceTopic,
		dlq:          opts.DeadLetterer,
		log:          logger,
	}
}

// Process is the consumer entry point: retry transient failures with
// backoff, dead-letter permanent ones. A nil return means the caller may
// commit its cursor; a non-nil return means the delivery must not be acked.
// Each transient attempt is persisted on the transaction's retry_count, so
// the trail survives a worker restart.
func (r *Reconciler) Process(ctx context.Context, env event.Envelope) error {
	err := r.policy.Do(ctx, func() error {
		herr := r.Handle(ctx, env)
		if herr != nil && apperr.Transient(herr) {
			r.noteAttempt(ctx, env)
		}
		return herr
	})
	if err == nil {
		return nil
	}
	if apperr.Permanent(err) {
		r.deadLetter(ctx, env, err)
		return nil
	}
	if apperr.Transient(err) {
		r.exhaust(ctx, env, err)
		return nil
	}
	return err
}

// Handle applies one envelope once. Transient errors bubble up for the
// retry policy; domain rejections are not errors, they become committed
// ledger rows.
func (r *Reconciler) Handle(ctx context.Context, env event.Envelope) error {
	switch env.EventType {
	case event.TypeTransactionCreated:
		return r.handleCreated(ctx, env)
	case event.TypeTransactionDeleted:
		return r.handleDeleted(ctx, env)
	case event.TypeTransactionUpdated:
		return r.handleUpdated(ctx, env)
	default:
		// Not ours to act on; the cursor still advances.
		r.log.Debugf("ignoring %s for aggregate %s", env.EventType, env.AggregateID)
		return nil
	}
}

func decodePayload(env event.Envelope) (event.TransactionPayload, error) {
	var p event.TransactionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: payload of %s: %v", apperr.ErrSchema, env.EventID, err)
	}
	if p.TransactionID == "" {
		return p, fmt.Errorf("%w: payload of %s missing transaction_id", apperr.ErrSchema, env.EventID)
	}
	return p, nil
}

func (r *Reconciler) handleCreated(ctx context.Context, env event.Envelope) error {
	p, err := decodePayload(env)
	if err != nil {
		return err
	}

	// Claim execution before touching balances. Losing the version race or
	// finding the row already past pending means another instance drives
	// it; the ledger below still dedupes the delta either way.
	if t, gerr := r.txns.Get(ctx, p.TransactionID); gerr == nil && t.Status == model.StatusPending {
		if aerr := r.txns.AdvanceToExecuting(ctx, t.ID, t.Version); aerr != nil &&
			!errors.Is(aerr, apperr.ErrConcurrentModification) &&
			!errors.Is(aerr, apperr.ErrInvalidState) {
			return aerr
		}
	}

	var cache []cacheUpdate
	applied, res, err := r.ledger.TryApply(ctx, r.consumerName, p.TransactionID, func(tx *gorm.DB) (ledger.Result, error) {
		cache = cache[:0]
		return r.applyDelta(ctx, tx, p, &cache)
	})
	if err != nil {
		return err
	}
	if !applied {
		r.log.Infow("replayed delivery, cached result returned",
			"transaction_id", p.TransactionID, "outcome", res.Outcome)
		return nil
	}
	r.flushCache(ctx, cache)
	return nil
}

type cacheUpdate struct {
	accountID string
	balance   decimal.Decimal
}

// applyDelta is the ledger effect: debit the source (with the funds check
// frozen into the ledger on rejection), credit the destination when the
// transfer is internal, and write the follow-up outbox rows in the same
// storage transaction. An external reversal has no counterparty, so it
// credits the source back instead.
func (r *Reconciler) applyDelta(ctx context.Context, tx *gorm.DB, p event.TransactionPayload, cache *[]cacheUpdate) (ledger.Result, error) {
	if p.ReversalOf != nil && p.DestinationAccountID == nil {
		bal, ver, err := r.accounts.GetBalance(ctx, tx, p.SourceAccountID)
		if err != nil {
			return ledger.Result{}, err
		}
		if err := r.accounts.ApplyDelta(ctx, tx, p.SourceAccountID, p.Amount, ver); err != nil {
			return ledger.Result{}, err
		}
		newBal := bal.Add(p.Amount)
		*cache = append(*cache, cacheUpdate{p.SourceAccountID, newBal})
		if err := r.writeBalanceUpdated(ctx, tx, p.TransactionID, p.SourceAccountID, p.Amount, newBal); err != nil {
			return ledger.Result{}, err
		}
		return appliedResult(p.TransactionID, p.SourceAccountID, p.Amount, newBal)
	}

	srcBal, srcVer, err := r.accounts.GetBalance(ctx, tx, p.SourceAccountID)
	if err != nil {
		return ledger.Result{}, err
	}
	if srcBal.LessThan(p.Amount) {
		return r.reject(ctx, tx, p, apperr.ErrInsufficientFunds)
	}
	if err := r.accounts.ApplyDelta(ctx, tx, p.SourceAccountID, p.Amount.Neg(), srcVer); err != nil {
		return ledger.Result{}, err
	}
	newSrc := srcBal.Sub(p.Amount)
	*cache = append(*cache, cacheUpdate{p.SourceAccountID, newSrc})
	if err := r.writeBalanceUpdated(ctx, tx, p.TransactionID, p.SourceAccountID, p.Amount.Neg(), newSrc); err != nil {
		return ledger.Result{}, err
	}

	if p.DestinationAccountID != nil {
		dstBal, dstVer, err := r.accounts.GetBalance(ctx, tx, *p.DestinationAccountID)
		if err != nil {
			return ledger.Result{}, err
		}
		if err := r.accounts.ApplyDelta(ctx, tx, *p.DestinationAccountID, p.Amount, dstVer); err != nil {
			return ledger.Result{}, err
		}
		newDst := dstBal.Add(p.Amount)
		*cache = append(*cache, cacheUpdate{*p.DestinationAccountID, newDst})
		if err := r.writeBalanceUpdated(ctx, tx, p.TransactionID, *p.DestinationAccountID, p.Amount, newDst); err != nil {
			return ledger.Result{}, err
		}
	}
	return appliedResult(p.TransactionID, p.SourceAccountID, p.Amount.Neg(), newSrc)
}

// reject freezes the funds decision: the ledger row commits with the
// rejected outcome and the transaction_failed outbox row in one storage
// transaction, so redelivery never re-checks against a changed balance.
func (r *Reconciler) reject(ctx context.Context, tx *gorm.DB, p event.TransactionPayload, cause error) (ledger.Result, error) {
	payload := event.TransactionFailedPayload{
		TransactionID: p.TransactionID,
		AccountID:     p.SourceAccountID,
		Reason:        failureReason(cause),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ledger.Result{}, err
	}
	if err := r.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Topic:       r.balanceTopic,
		EventType:   event.TypeTransactionFailed,
		AggregateID: p.SourceAccountID,
		Producer:    ProducerName,
		Payload:     string(data),
	}); err != nil {
		return ledger.Result{}, err
	}
	return ledger.Result{Outcome: model.OutcomeRejected, Detail: string(data)}, nil
}

// failureReason maps taxonomy errors onto the stable reason strings carried
// by transaction_failed events.
func failureReason(cause error) string {
	switch {
	case errors.Is(cause, apperr.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(cause, apperr.ErrRetriesExhausted):
		return "retries_exhausted"
	default:
		return "rejected"
	}
}

// handleDeleted implements the deleted-dominates policy: if the delta for
// this transaction id already applied, apply the compensating delta; record
// the reversal under its own ledger key so a racing transaction_updated for
// the same id finds it and yields. Reversal deltas skip the funds check;
// undoing an applied movement is not negotiable.
func (r *Reconciler) handleDeleted(ctx context.Context, env event.Envelope) error {
	p, err := decodePayload(env)
	if err != nil {
		return err
	}
	var cache []cacheUpdate
	applied, _, err := r.ledger.TryApply(ctx, r.consumerName, p.TransactionID+":reversed", func(tx *gorm.DB) (ledger.Result, error) {
		cache = cache[:0]
		orig, seen, err := r.ledger.Seen(ctx, tx, r.consumerName, p.TransactionID)
		if err != nil {
			return ledger.Result{}, err
		}
		if !seen || orig.Outcome != model.OutcomeApplied {
			// Nothing landed, nothing to undo; the decision still commits
			// so a late original delivery cannot sneak the delta in.
			return ledger.Result{Outcome: model.OutcomeApplied, Detail: `{"reversed":false}`}, nil
		}

		srcBal, srcVer, err := r.accounts.GetBalance(ctx, tx, p.SourceAccountID)
		if err != nil {
			return ledger.Result{}, err
		}
		if err := r.accounts.ApplyDelta(ctx, tx, p.SourceAccountID, p.Amount, srcVer); err != nil {
			return ledger.Result{}, err
		}
		newSrc := srcBal.Add(p.Amount)
		cache = append(cache, cacheUpdate{p.SourceAccountID, newSrc})
		if err := r.writeBalanceUpdated(ctx, tx, p.TransactionID, p.SourceAccountID, p.Amount, newSrc); err != nil {
			return ledger.Result{}, err
		}

		if p.DestinationAccountID != nil {
			dstBal, dstVer, err := r.accounts.GetBalance(ctx, tx, *p.DestinationAccountID)
			if err != nil {
				return ledger.Result{}, err
			}
			if err := r.accounts.ApplyDelta(ctx, tx, *p.DestinationAccountID, p.Amount.Neg(), dstVer); err != nil {
				return ledger.Result{}, err
			}
			newDst := dstBal.Sub(p.Amount)
			cache = append(cache, cacheUpdate{*p.DestinationAccountID, newDst})
			if err := r.writeBalanceUpdated(ctx, tx, p.TransactionID, *p.DestinationAccountID, p.Amount.Neg(), newDst); err != nil {
				return ledger.Result{}, err
			}
		}
		return ledger.Result{Outcome: model.OutcomeApplied, Detail: `{"reversed":true}`}, nil
	})
	if err != nil {
		return err
	}
	if applied {
		r.flushCache(ctx, cache)
	}
	return nil
}

// handleUpdated: status changes move no money. The only check is the
// dominance rule: an update racing a delete for the same id must lose.
func (r *Reconciler) handleUpdated(ctx context.Context, env event.Envelope) error {
	p, err := decodePayload(env)
	if err != nil {
		return err
	}
	_, reversed, err := r.ledger.Seen(ctx, r.repo.DB(ctx), r.consumerName, p.TransactionID+":reversed")
	if err != nil {
		return err
	}
	if reversed {
		r.log.Infow("ignoring update for reversed transaction", "transaction_id", p.TransactionID)
	}
	return nil
}

func appliedResult(txID, accountID string, delta, balance decimal.Decimal) (ledger.Result, error) {
	data, err := json.Marshal(event.BalanceUpdatedPayload{
		TransactionID: txID,
		AccountID:     accountID,
		Delta:         delta,
		Balance:       balance,
		AppliedAt:     time.Now().UTC(),
	})
	if err != nil {
		return ledger.Result{}, err
	}
	return ledger.Result{Outcome: model.OutcomeApplied, Detail: string(data)}, nil
}

func (r *Reconciler) writeBalanceUpdated(ctx context.Context, tx *gorm.DB, txID, accountID string, delta, balance decimal.Decimal) error {
	data, err := json.Marshal(event.BalanceUpdatedPayload{
		TransactionID: txID,
		AccountID:     accountID,
		Delta:         delta,
		Balance:       balance,
		AppliedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Topic:       r.balanceTopic,
		EventType:   event.TypeBalanceUpdated,
		AggregateID: accountID,
		Producer:    ProducerName,
		Payload:     string(data),
	})
}

// flushCache refreshes the redis balance cache after the storage
// transaction committed. Never inside the effect: a cache write survives a
// rollback and would serve a balance that never existed.
func (r *Reconciler) flushCache(ctx context.Context, updates []cacheUpdate) {
	for _, u := range updates {
		if err := r.repo.CacheBalance(ctx, u.accountID, u.balance); err != nil {
			r.log.Warnf("cache balance %s: %v", u.accountID, err)
		}
	}
}

// deadLetter files a permanently unprocessable envelope for manual
// inspection: a storage row always, a DLQ topic append when configured.
func (r *Reconciler) deadLetter(ctx context.Context, env event.Envelope, cause error) {
	r.log.Errorw("dead-lettering event", "event_id", env.EventID, "event_type", env.EventType, "err", cause)
	if err := r.repo.CreateDeadLetter(ctx, &model.DeadLetter{
		EventID:   env.EventID,
		EventType: env.EventType,
		Reason:    cause.Error(),
		Payload:   string(env.Payload),
	}); err != nil {
		r.log.Errorf("store dead letter: %v", err)
	}
	if r.dlq != nil {
		if err := r.dlq.Publish(ctx, env); err != nil {
			r.log.Errorf("publish dead letter: %v", err)
		}
	}
}

// exhaust handles a delivery whose transient failures outlived the retry
// budget: stamp the transaction failed with retries_exhausted and
// dead-letter the event.
func (r *Reconciler) exhaust(ctx context.Context, env event.Envelope, cause error) {
	r.log.Errorw("retries exhausted", "event_id", env.EventID, "err", cause)
	if p, derr := decodePayload(env); derr == nil {
		r.failTransaction(ctx, p.TransactionID)
	}
	r.deadLetter(ctx, env, fmt.Errorf("%w: %v", apperr.ErrRetriesExhausted, cause))
}

func (r *Reconciler) noteAttempt(ctx context.Context, env event.Envelope) {
	p, err := decodePayload(env)
	if err != nil {
		return
	}
	r.txns.BumpRetryCount(ctx, p.TransactionID)
}

func (r *Reconciler) failTransaction(ctx context.Context, id string) {
	err := r.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := r.repo.GetTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		if txn.Terminal(t.Status) {
			return nil
		}
		return r.repo.UpdateTransaction(ctx, tx, id, t.Version, map[string]interface{}{
			"status":         model.StatusFailed,
			"failure_reason": failureReason(apperr.ErrRetriesExhausted),
		})
	})
	if err != nil {
		r.log.Errorf("mark %s failed: %v", id, err)
	}
}
