package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbank/transaction-engine/internal/logger"
	"github.com/finbank/transaction-engine/internal/model"
)

type fakeSource struct {
	rows      []model.OutboxEvent
	published map[uint64]bool
	markErr   error
}

func (s *fakeSource) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	for _, r := range s.rows {
		if s.published[r.ID] {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeSource) MarkOutboxPublished(ctx context.Context, id uint64) error {
	if s.markErr != nil {
		return s.markErr
	}
	if s.published == nil {
		s.published = map[uint64]bool{}
	}
	s.published[id] = true
	return nil
}

type fakePublisher struct {
	sent    []Envelope
	failOn  string // aggregate id that triggers a broker error
	brokers error
}

func (p *fakePublisher) Publish(ctx context.Context, env Envelope) error {
	if p.failOn != "" && env.AggregateID == p.failOn {
		if p.brokers == nil {
			p.brokers = errors.New("broker unavailable")
		}
		return p.brokers
	}
	p.sent = append(p.sent, env)
	return nil
}

func row(id uint64, aggregate string) model.OutboxEvent {
	return model.OutboxEvent{
		ID:          id,
		Topic:       "transaction-events",
		EventType:   TypeTransactionCreated,
		AggregateID: aggregate,
		Producer:    "transaction-service",
		Payload:     `{"transaction_id":"t1"}`,
	}
}

func newRelay(t *testing.T, src OutboxSource, pub Publisher) *Relay {
	log, err := logger.New("test")
	require.NoError(t, err)
	return NewRelay(src, map[string]Publisher{"transaction-events": pub}, 10, log)
}

func TestFlush_PublishesInInsertOrder(t *testing.T) {
	src := &fakeSource{rows: []model.OutboxEvent{row(1, "a"), row(2, "b"), row(3, "a")}}
	pub := &fakePublisher{}

	n, err := newRelay(t, src, pub).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, pub.sent, 3)
	assert.Equal(t, []string{"a", "b", "a"}, []string{
		pub.sent[0].AggregateID, pub.sent[1].AggregateID, pub.sent[2].AggregateID,
	})
	assert.True(t, src.published[1] && src.published[2] && src.published[3])
}

func TestFlush_AbortsOnPublishFailure(t *testing.T) {
	src := &fakeSource{rows: []model.OutboxEvent{row(1, "a"), row(2, "b"), row(3, "c")}}
	pub := &fakePublisher{failOn: "b"}
	relay := newRelay(t, src, pub)

	n, err := relay.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n, "only the row before the failure is confirmed")
	assert.True(t, src.published[1])
	assert.False(t, src.published[2])
	assert.False(t, src.published[3], "rows behind the failure stay queued, order preserved")

	// broker recovers, the next sweep picks up where it stopped
	pub.failOn = ""
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, src.published[2] && src.published[3])
}

func TestFlush_FreshEnvelopeIDPerAttempt(t *testing.T) {
	src := &fakeSource{rows: []model.OutboxEvent{row(1, "a")}, markErr: errors.New("db down")}
	pub := &fakePublisher{}
	relay := newRelay(t, src, pub)

	_, err := relay.Flush(context.Background())
	require.Error(t, err, "mark failure surfaces")

	src.markErr = nil
	_, err = relay.Flush(context.Background())
	require.NoError(t, err)

	require.Len(t, pub.sent, 2, "row republished after the failed mark")
	assert.NotEqual(t, pub.sent[0].EventID, pub.sent[1].EventID)
	assert.Equal(t, pub.sent[0].AggregateID, pub.sent[1].AggregateID)
	assert.Equal(t, string(pub.sent[0].Payload), string(pub.sent[1].Payload))
}

func TestFlush_UnroutableTopicStops(t *testing.T) {
	src := &fakeSource{rows: []model.OutboxEvent{{
		ID: 1, Topic: "nowhere", EventType: TypeTransactionCreated,
		AggregateID: "a", Producer: "transaction-service", Payload: `{}`,
	}}}
	relay := newRelay(t, src, &fakePublisher{})

	n, err := relay.Flush(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
}
