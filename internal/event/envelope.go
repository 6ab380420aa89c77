package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/google/uuid"
)

// SchemaVersion is the only wire version this build understands. Decoding an
// envelope with any other version is a permanent SchemaError.
const SchemaVersion = 1

// Event types on the wire.
const (
	TypeTransactionCreated  = "transaction_created"
	TypeTransactionUpdated  = "transaction_updated"
	TypeTransactionFailed   = "transaction_failed"
	TypeTransactionDeleted  = "transaction_deleted"
	TypeTransactionReversed = "transaction_reversed"
	TypeBalanceUpdated      = "balance_updated"
)

var knownTypes = map[string]bool{
	TypeTransactionCreated:  true,
	TypeTransactionUpdated:  true,
	TypeTransactionFailed:   true,
	TypeTransactionDeleted:  true,
	TypeTransactionReversed: true,
	TypeBalanceUpdated:      true,
}

// Envelope is the versioned wrapper around every business event. EventID is
// transport identity, never reused: a republish of the same business fact
// gets a fresh EventID but the same AggregateID and payload, so consumers
// dedupe on the business key inside the payload, not on EventID.
type Envelope struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	AggregateID     string          `json:"aggregate_id"`
	ProducerService string          `json:"producer_service"`
	ProducedAt      time.Time       `json:"produced_at"`
	SchemaVersion   int             `json:"schema_version"`
	Payload         json.RawMessage `json:"payload"`
}

// NewEnvelope stamps a fresh envelope around an already-marshalled payload.
func NewEnvelope(eventType, aggregateID, producer string, payload []byte) Envelope {
	return Envelope{
		EventID:         uuid.NewString(),
		EventType:       eventType,
		AggregateID:     aggregateID,
		ProducerService: producer,
		ProducedAt:      time.Now().UTC(),
		SchemaVersion:   SchemaVersion,
		Payload:         json.RawMessage(payload),
	}
}

// Encode serializes the envelope for the transport.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses and validates a wire envelope. Unknown schema versions and
// event types are SchemaErrors: the consumer must dead-letter, not retry.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", apperr.ErrSchema, err)
	}
	if env.SchemaVersion != SchemaVersion {
		return Envelope{}, fmt.Errorf("%w: unsupported schema_version %d", apperr.ErrSchema, env.SchemaVersion)
	}
	if !knownTypes[env.EventType] {
		return Envelope{}, fmt.Errorf("%w: unknown event_type %q", apperr.ErrSchema, env.EventType)
	}
	if env.EventID == "" || env.AggregateID == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_id or aggregate_id", apperr.ErrSchema)
	}
	return env, nil
}
