package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/event"
	"github.com/finbank/transaction-engine/internal/model"
	"github.com/finbank/transaction-engine/internal/repo"
)

// ProducerName tags envelopes emitted by the transaction side of the engine.
const ProducerName = "transaction-service"

// Service owns the transaction lifecycle. Every state change commits
// together with its outbox row, so an event exists if and only if the
// transition it announces committed.
type Service struct {
	repo  *repo.Repository
	log   *zap.SugaredLogger
	topic string
}

func NewService(r *repo.Repository, logger *zap.SugaredLogger, topic string) *Service {
	return &Service{repo: r, log: logger, topic: topic}
}

// CreateRequest is what the API layer hands us.
type CreateRequest struct {
	ID                   string
	SourceAccountID      string
	DestinationAccountID *string
	Amount               decimal.Decimal
	Currency             string
	Kind                 string
	ScheduledAt          *time.Time
	Description          string
	ReferenceNumber      string
}

func (req *CreateRequest) validate(now time.Time) error {
	if req.SourceAccountID == "" {
		return fmt.Errorf("%w: source account required", apperr.ErrValidation)
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be positive", apperr.ErrValidation)
	}
	if req.Currency == "" {
		return fmt.Errorf("%w: currency required", apperr.ErrValidation)
	}
	if req.DestinationAccountID != nil && *req.DestinationAccountID == req.SourceAccountID {
		return fmt.Errorf("%w: source and destination must differ", apperr.ErrValidation)
	}
	switch req.Kind {
	case model.KindImmediate:
		if req.ScheduledAt != nil {
			return fmt.Errorf("%w: scheduled_at not allowed for immediate transactions", apperr.ErrValidation)
		}
	case model.KindScheduled:
		if req.ScheduledAt == nil {
			return fmt.Errorf("%w: scheduled_at required for scheduled transactions", apperr.ErrValidation)
		}
		if !req.ScheduledAt.After(now) {
			return fmt.Errorf("%w: scheduled_at must be in the future", apperr.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", apperr.ErrValidation, req.Kind)
	}
	return nil
}

// Create validates and persists a new transaction. A resubmission with the
// same id and same payload returns the existing record; same id with a
// different payload is a conflict. Immediate transactions get their
// transaction_created outbox row in the same commit.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Transaction, error) {
	if err := req.validate(time.Now()); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	status := model.StatusPending
	if req.Kind == model.KindScheduled {
		status = model.StatusScheduled
	}
	t := &model.Transaction{
		ID:                   req.ID,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               req.Amount,
		Currency:             req.Currency,
		Kind:                 req.Kind,
		ScheduledAt:          req.ScheduledAt,
		Status:               status,
		Description:          req.Description,
		ReferenceNumber:      req.ReferenceNumber,
	}

	var out *model.Transaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.GetTransaction(ctx, tx, t.ID)
		if err == nil {
			if existing.SamePayload(t) {
				out = existing
				return nil
			}
			return fmt.Errorf("%w: transaction %s exists with different payload", apperr.ErrConflict, t.ID)
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}

		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if status == model.StatusPending {
			if err := s.writeCreatedEvent(ctx, tx, t); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get loads one transaction.
func (s *Service) Get(ctx context.Context, id string) (*model.Transaction, error) {
	return s.repo.GetTransaction(ctx, s.repo.DB(ctx), id)
}

// ListByAccount returns recent transactions touching an account.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int, since time.Time) ([]model.Transaction, error) {
	return s.repo.ListByAccount(ctx, accountID, limit, since)
}

// AdvanceToExecuting claims the exclusive right to drive execution. The
// caller presents the version it read; a mismatch means another instance
// won and the caller must skip or re-read.
func (s *Service) AdvanceToExecuting(ctx context.Context, id string, expectedVersion uint64) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.GetTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(t.Status, model.StatusExecuting); err != nil {
			return err
		}
		now := time.Now()
		return s.repo.UpdateTransaction(ctx, tx, id, expectedVersion, map[string]interface{}{
			"status":          model.StatusExecuting,
			"executing_since": &now,
		})
	})
}

// Complete moves a transaction to its terminal outcome once reconciliation
// reported back. Safe to call on redelivered confirmations: an already
// terminal row returns ErrInvalidState which callers treat as done.
func (s *Service) Complete(ctx context.Context, id string, success bool, reason string) error {
	target := model.StatusExecuted
	if !success {
		target = model.StatusFailed
	}
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.GetTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(t.Status, target); err != nil {
			return err
		}
		now := time.Now()
		fields := map[string]interface{}{
			"status":      target,
			"executed_at": &now,
		}
		if reason != "" {
			fields["failure_reason"] = reason
		}
		return s.repo.UpdateTransaction(ctx, tx, id, t.Version, fields)
	})
}

// Reverse creates a compensating transaction for an executed one and stamps
// the original reversed. The original row is never mutated beyond the stamp;
// the compensating record flows through the normal pipeline. For internal
// transfers the accounts swap; an external transfer has no counterparty to
// debit, so the reconciler credits the source back when it sees ReversalOf
// on an external-shaped transaction.
func (s *Service) Reverse(ctx context.Context, id, reason string) (*model.Transaction, error) {
	var comp *model.Transaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		orig, err := s.repo.GetTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(orig.Status, model.StatusReversed); err != nil {
			return err
		}

		comp = &model.Transaction{
			ID:              uuid.NewString(),
			Amount:          orig.Amount,
			Currency:        orig.Currency,
			Kind:            model.KindImmediate,
			Status:          model.StatusPending,
			ReversalOf:      &orig.ID,
			Description:     "Reversal of " + orig.ID + ": " + reason,
			ReferenceNumber: orig.ReferenceNumber,
		}
		if orig.DestinationAccountID != nil {
			comp.SourceAccountID = *orig.DestinationAccountID
			comp.DestinationAccountID = &orig.SourceAccountID
		} else {
			comp.SourceAccountID = orig.SourceAccountID
		}

		if err := s.repo.CreateTransaction(ctx, tx, comp); err != nil {
			return err
		}
		if err := s.repo.UpdateTransaction(ctx, tx, orig.ID, orig.Version, map[string]interface{}{
			"status": model.StatusReversed,
		}); err != nil {
			return err
		}
		if err := s.writeCreatedEvent(ctx, tx, comp); err != nil {
			return err
		}
		return s.writeEvent(ctx, tx, event.TypeTransactionReversed, orig.SourceAccountID, event.TransactionPayload{
			TransactionID:        orig.ID,
			SourceAccountID:      orig.SourceAccountID,
			DestinationAccountID: orig.DestinationAccountID,
			Amount:               orig.Amount,
			Currency:             orig.Currency,
			Kind:                 orig.Kind,
			ReversalOf:           &comp.ID,
			Reason:               reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return comp, nil
}

// PromoteToPending is the scheduler's transition: scheduled -> pending plus
// the transaction_created outbox row, one commit. Exactly one racing
// dispatcher replica wins the version guard.
func (s *Service) PromoteToPending(ctx context.Context, t *model.Transaction) error {
	if err := checkTransition(t.Status, model.StatusPending); err != nil {
		return err
	}
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateTransaction(ctx, tx, t.ID, t.Version, map[string]interface{}{
			"status": model.StatusPending,
		}); err != nil {
			return err
		}
		return s.writeCreatedEvent(ctx, tx, t)
	})
}

// RequeueStuck reverts executing rows whose grace period ran out back to
// pending, allowing a fresh optimistic attempt. The requeue republishes
// transaction_created in the same commit; a bare pending row has no other
// driver, and the consumer's idempotency ledger absorbs the duplicate.
// Version conflicts mean the row moved on meanwhile; those are skipped.
func (s *Service) RequeueStuck(ctx context.Context, grace time.Duration) (int, error) {
	stuck, err := s.repo.ListStuckExecuting(ctx, time.Now().Add(-grace))
	if err != nil {
		return 0, err
	}
	requeued := 0
	for i := range stuck {
		t := stuck[i]
		err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.repo.UpdateTransaction(ctx, tx, t.ID, t.Version, map[string]interface{}{
				"status":          model.StatusPending,
				"executing_since": nil,
			}); err != nil {
				return err
			}
			return s.writeCreatedEvent(ctx, tx, &t)
		})
		if err != nil {
			if errors.Is(err, apperr.ErrConcurrentModification) {
				continue
			}
			return requeued, err
		}
		s.log.Infow("requeued stuck transaction", "transaction_id", t.ID)
		requeued++
	}
	return requeued, nil
}

// BumpRetryCount records one more delivery attempt on the transaction.
// Counter only: no version bump, so concurrent bumps and state transitions
// do not contend.
func (s *Service) BumpRetryCount(ctx context.Context, id string) {
	err := s.repo.DB(ctx).Model(&model.Transaction{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + ?", 1)).Error
	if err != nil {
		s.log.Warnf("bump retry count %s: %v", id, err)
	}
}

func (s *Service) writeCreatedEvent(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return s.writeEvent(ctx, tx, event.TypeTransactionCreated, t.SourceAccountID, event.TransactionPayload{
		TransactionID:        t.ID,
		SourceAccountID:      t.SourceAccountID,
		DestinationAccountID: t.DestinationAccountID,
		Amount:               t.Amount,
		Currency:             t.Currency,
		Kind:                 t.Kind,
		ReversalOf:           t.ReversalOf,
	})
}

func (s *Service) writeEvent(ctx context.Context, tx *gorm.DB, eventType, aggregateID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Topic:       s.topic,
		EventType:   eventType,
		AggregateID: aggregateID,
		Producer:    ProducerName,
		Payload:     string(data),
	})
}
