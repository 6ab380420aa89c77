package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds.
const (
	KindImmediate = "immediate"
	KindScheduled = "scheduled"
)

// Transaction statuses. Transitions only move forward; see txn.CanTransition.
const (
	StatusPending   = "pending"
	StatusScheduled = "scheduled"
	StatusExecuting = "executing"
	StatusExecuted  = "executed"
	StatusFailed    = "failed"
	StatusReversed  = "reversed"
)

// Transaction is the append-only money-movement record. ID doubles as the
// idempotency key for the whole pipeline, so a client retry with the same id
// and payload is a no-op. Rows are never deleted, only superseded by a
// compensating row that points back via ReversalOf.
type Transaction struct {
	ID                   string          `gorm:"primaryKey;size:64"`
	SourceAccountID      string          `gorm:"size:64;not null;index"`
	DestinationAccountID *string         `gorm:"size:64;index"`
	Amount               decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Currency             string          `gorm:"size:3;not null"`
	Kind                 string          `gorm:"size:16;not null"`
	ScheduledAt          *time.Time      `gorm:"index"`
	Status               string          `gorm:"size:16;not null;index"`
	FailureReason        string          `gorm:"size:128"`
	ReversalOf           *string         `gorm:"size:64"`
	Description          string          `gorm:"type:text"`
	ReferenceNumber      string          `gorm:"size:100"`
	CreatedAt            time.Time       `gorm:"autoCreateTime"`
	ExecutingSince       *time.Time
	ExecutedAt           *time.Time
	Version              uint64 `gorm:"not null;default:0"`
	RetryCount           int    `gorm:"not null;default:0"`
}

func (Transaction) TableName() string { return "transaction" }

// SamePayload reports whether two submissions describe the same business
// fact. Used to tell an idempotent resubmission from a conflicting one.
func (t *Transaction) SamePayload(o *Transaction) bool {
	if t.SourceAccountID != o.SourceAccountID ||
		t.Currency != o.Currency ||
		t.Kind != o.Kind ||
		!t.Amount.Equal(o.Amount) {
		return false
	}
	if (t.DestinationAccountID == nil) != (o.DestinationAccountID == nil) {
		return false
	}
	if t.DestinationAccountID != nil && *t.DestinationAccountID != *o.DestinationAccountID {
		return false
	}
	if (t.ScheduledAt == nil) != (o.ScheduledAt == nil) {
		return false
	}
	if t.ScheduledAt != nil && !t.ScheduledAt.Equal(*o.ScheduledAt) {
		return false
	}
	return true
}
