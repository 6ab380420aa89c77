package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionPayload rides transaction_created, transaction_updated,
// transaction_deleted and transaction_reversed envelopes. TransactionID is
// the business idempotency key consumers dedupe on.
type TransactionPayload struct {
	TransactionID        string          `json:"transaction_id"`
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID *string         `json:"destination_account_id,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Kind                 string          `json:"kind"`
	ReversalOf           *string         `json:"reversal_of,omitempty"`
	Reason               string          `json:"reason,omitempty"`
}

// BalanceUpdatedPayload confirms that an account absorbed a delta.
type BalanceUpdatedPayload struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Delta         decimal.Decimal `json:"delta"`
	Balance       decimal.Decimal `json:"balance"`
	AppliedAt     time.Time       `json:"applied_at"`
}

// TransactionFailedPayload reports a domain rejection or exhausted retries.
type TransactionFailedPayload struct {
	TransactionID string `json:"transaction_id"`
	AccountID     string `json:"account_id"`
	Reason        string `json:"reason"`
}
