package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbank/transaction-engine/internal/apperr"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	env := NewEnvelope(TypeTransactionCreated, "acct-1", "transaction-service", []byte(`{"transaction_id":"t1"}`))

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, TypeTransactionCreated, got.EventType)
	assert.Equal(t, "acct-1", got.AggregateID)
	assert.Equal(t, SchemaVersion, got.SchemaVersion)
	assert.JSONEq(t, `{"transaction_id":"t1"}`, string(got.Payload))
}

func TestNewEnvelope_FreshIDPerCall(t *testing.T) {
	a := NewEnvelope(TypeBalanceUpdated, "acct-1", "account-service", []byte(`{}`))
	b := NewEnvelope(TypeBalanceUpdated, "acct-1", "account-service", []byte(`{}`))
	assert.NotEqual(t, a.EventID, b.EventID)
}

func TestDecode_Rejections(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{`},
		{"wrong schema version", `{"event_id":"e1","event_type":"transaction_created","aggregate_id":"a","schema_version":2,"payload":{}}`},
		{"unknown event type", `{"event_id":"e1","event_type":"transaction_exploded","aggregate_id":"a","schema_version":1,"payload":{}}`},
		{"missing event id", `{"event_type":"transaction_created","aggregate_id":"a","schema_version":1,"payload":{}}`},
		{"missing aggregate id", `{"event_id":"e1","event_type":"transaction_created","schema_version":1,"payload":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrSchema)
			assert.True(t, apperr.Permanent(err), "schema failures must not be retried")
		})
	}
}
