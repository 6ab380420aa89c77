package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/finbank/transaction-engine/internal/event"
)

// Handler consumes one decoded envelope; nil means the cursor may commit.
type Handler interface {
	Process(ctx context.Context, env event.Envelope) error
}

// RawHandler gets a crack at messages that fail envelope decoding.
type RawHandler interface {
	DeadLetterRaw(ctx context.Context, raw []byte, cause error)
}

// offsetCommitter is the slice of kafka.Reader the workers need.
type offsetCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer drives a Kafka consumer group over one topic. Producers key
// messages by account id, so one partition carries all events for any given
// account; each partition gets its own serial worker, which preserves
// per-account ordering while partitions proceed in parallel. The cursor for
// a message commits only after its handler returned nil (commit-after-
// process): a crash mid-handle redelivers, and the idempotency ledger
// absorbs the replay.
type Consumer struct {
	reader     *kafka.Reader
	committer  offsetCommitter
	handler    Handler
	queueDepth int
	retryDelay time.Duration
	log        *zap.SugaredLogger

	mu      sync.Mutex
	workers map[int]chan kafka.Message
	wg      sync.WaitGroup
}

func NewConsumer(brokers []string, topic, groupID string, queueDepth int, handler Handler, logger *zap.SugaredLogger) *Consumer {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{
		reader:     reader,
		committer:  reader,
		handler:    handler,
		queueDepth: queueDepth,
		retryDelay: 5 * time.Second,
		log:        logger,
		workers:    make(map[int]chan kafka.Message),
	}
}

// Run fetches until the context is cancelled, then drains the workers.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		c.partitionWorker(ctx, msg.Partition) <- msg
	}
}

func (c *Consumer) partitionWorker(ctx context.Context, partition int) chan kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.workers[partition]
	if !ok {
		ch = make(chan kafka.Message, c.queueDepth)
		c.workers[partition] = ch
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for msg := range ch {
				c.process(ctx, msg)
			}
		}()
	}
	return ch
}

// process parks the partition on a message until it is handled and its
// offset committed. Group commits are cumulative per partition: advancing to
// the next message after a failure would implicitly commit the failed
// offset, so the worker stays on it and retries instead.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	for {
		err := c.handle(ctx, msg)
		if err == nil {
			return
		}
		c.log.Errorw("processing failed, partition held",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	env, err := event.Decode(msg.Value)
	if err != nil {
		// Undecodable bytes are permanent; file them and move the cursor.
		if rh, ok := c.handler.(RawHandler); ok {
			rh.DeadLetterRaw(ctx, msg.Value, err)
		} else {
			c.log.Errorw("dropping undecodable message", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
		return c.commit(ctx, msg)
	}
	if err := c.handler.Process(ctx, env); err != nil {
		return err
	}
	return c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	return c.committer.CommitMessages(ctx, msg)
}

func (c *Consumer) close() {
	c.mu.Lock()
	for _, ch := range c.workers {
		close(ch)
	}
	c.workers = make(map[int]chan kafka.Message)
	c.mu.Unlock()
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.log.Errorf("close reader: %v", err)
	}
}

// DeadLetterRaw satisfies RawHandler for the Reconciler.
func (r *Reconciler) DeadLetterRaw(ctx context.Context, raw []byte, cause error) {
	r.deadLetter(ctx, event.Envelope{Payload: raw}, cause)
}
