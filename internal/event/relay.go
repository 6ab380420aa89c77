package event

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finbank/transaction-engine/internal/model"
)

// OutboxSource is the slice of the repository the relay needs.
type OutboxSource interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id uint64) error
}

// Relay drains committed-but-unpublished outbox rows into the transport.
// Rows are walked in insert order and the marker is cleared only after the
// broker acks, so a crash between commit and publish is recovered by the
// next sweep re-scanning the same rows. A publish failure aborts the sweep
// rather than skipping the row: skipping would reorder events for the
// aggregates behind it.
type Relay struct {
	src       OutboxSource
	pubs      map[string]Publisher
	batchSize int
	log       *zap.SugaredLogger
}

// NewRelay wires one publisher per destination topic.
func NewRelay(src OutboxSource, pubs map[string]Publisher, batchSize int, logger *zap.SugaredLogger) *Relay {
	return &Relay{src: src, pubs: pubs, batchSize: batchSize, log: logger}
}

// Flush publishes one batch. Returns how many rows were confirmed.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	rows, err := r.src.PollOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, row := range rows {
		pub, ok := r.pubs[row.Topic]
		if !ok {
			return sent, fmt.Errorf("no publisher for topic %q (outbox id %d)", row.Topic, row.ID)
		}
		// A fresh envelope id on every attempt: republish of the same
		// business fact reuses the payload, never the transport id.
		env := NewEnvelope(row.EventType, row.AggregateID, row.Producer, []byte(row.Payload))
		if err := pub.Publish(ctx, env); err != nil {
			return sent, fmt.Errorf("publish outbox id %d: %w", row.ID, err)
		}
		if err := r.src.MarkOutboxPublished(ctx, row.ID); err != nil {
			// The append is durable; the marker will be cleared on the
			// next sweep and the consumer dedupes the replay.
			return sent, fmt.Errorf("mark published id %d: %w", row.ID, err)
		}
		sent++
	}
	return sent, nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil {
				r.log.Errorf("outbox flush: %v", err)
				continue
			}
			if n > 0 {
				r.log.Infof("published %d outbox events", n)
			}
		}
	}
}
