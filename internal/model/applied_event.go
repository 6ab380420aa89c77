package model

import "time"

// Idempotency ledger outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

// AppliedEvent is one idempotency ledger row: (consumer, key) has produced
// its effect. The row is inserted in the same storage transaction as the
// effect, so redelivery finds it and returns ResultSummary instead of
// re-running anything. Rows older than the transport's replay window can be
// pruned; redelivery cannot reach back past it.
type AppliedEvent struct {
	ConsumerName   string    `gorm:"primaryKey;size:64"`
	IdempotencyKey string    `gorm:"primaryKey;size:128"`
	Outcome        string    `gorm:"size:16;not null"`
	ResultSummary  string    `gorm:"type:jsonb"`
	AppliedAt      time.Time `gorm:"autoCreateTime;index"`
}

func (AppliedEvent) TableName() string { return "applied_event" }
