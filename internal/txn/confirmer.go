package txn

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/event"
	"github.com/finbank/transaction-engine/internal/retry"
)

// Confirmer is the state machine's subscription to its own downstream
// confirmations: balance_updated advances a transaction to executed,
// transaction_failed to failed. Complete is transition-guarded, so the
// second balance_updated of a transfer (and any redelivery) lands on a
// terminal row and is treated as already done.
type Confirmer struct {
	svc    *Service
	policy retry.Policy
	log    *zap.SugaredLogger
}

func NewConfirmer(svc *Service, policy retry.Policy, logger *zap.SugaredLogger) *Confirmer {
	if policy.MaxAttempts == 0 {
		policy = retry.Default
	}
	return &Confirmer{svc: svc, policy: policy, log: logger}
}

// Process consumes one envelope from the balance stream. A malformed
// confirmation is logged and skipped rather than held: the worst case is a
// transaction parked in executing until the requeue sweep retries it.
func (c *Confirmer) Process(ctx context.Context, env event.Envelope) error {
	switch env.EventType {
	case event.TypeBalanceUpdated:
		var p event.BalanceUpdatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Errorw("malformed balance_updated payload", "event_id", env.EventID, "err", err)
			return nil
		}
		return c.complete(ctx, p.TransactionID, true, "")
	case event.TypeTransactionFailed:
		var p event.TransactionFailedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Errorw("malformed transaction_failed payload", "event_id", env.EventID, "err", err)
			return nil
		}
		return c.complete(ctx, p.TransactionID, false, p.Reason)
	default:
		return nil
	}
}

func (c *Confirmer) complete(ctx context.Context, id string, success bool, reason string) error {
	err := c.policy.Do(ctx, func() error {
		return c.svc.Complete(ctx, id, success, reason)
	})
	switch {
	case err == nil:
		c.log.Infow("transaction completed", "transaction_id", id, "success", success)
		return nil
	case errors.Is(err, apperr.ErrInvalidState):
		// Already terminal; a replayed or second confirmation.
		return nil
	case errors.Is(err, apperr.ErrNotFound):
		// Confirmation for a transaction another producer owns.
		c.log.Debugw("confirmation for unknown transaction", "transaction_id", id)
		return nil
	default:
		return err
	}
}
