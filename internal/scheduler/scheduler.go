package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/repo"
	"github.com/finbank/transaction-engine/internal/txn"
)

// Scheduler promotes due scheduled transactions into the active pipeline.
// Replicas race safely: promotion rides the optimistic version guard, so for
// any one transaction exactly one replica wins and the rest observe a
// conflict and move on. A transaction that fails on a transient error stays
// scheduled and is retried next tick; nothing is silently dropped.
type Scheduler struct {
	repo      *repo.Repository
	txns      *txn.Service
	log       *zap.SugaredLogger
	interval  time.Duration
	batchSize int

	executingGrace  time.Duration
	ledgerRetention time.Duration
}

type Options struct {
	Interval        time.Duration
	BatchSize       int
	ExecutingGrace  time.Duration
	LedgerRetention time.Duration
}

func New(r *repo.Repository, txns *txn.Service, logger *zap.SugaredLogger, opts Options) *Scheduler {
	return &Scheduler{
		repo:            r,
		txns:            txns,
		log:             logger,
		interval:        opts.Interval,
		batchSize:       opts.BatchSize,
		executingGrace:  opts.ExecutingGrace,
		ledgerRetention: opts.LedgerRetention,
	}
}

// Tick promotes every due transaction once. now is the dispatcher's own
// wall-clock read; no distributed clock is assumed.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ListDueScheduled(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for i := range due {
		t := due[i]
		if err := s.txns.PromoteToPending(ctx, &t); err != nil {
			if errors.Is(err, apperr.ErrConcurrentModification) || errors.Is(err, apperr.ErrInvalidState) {
				// Another replica already promoted it.
				continue
			}
			s.log.Errorw("promote failed, will retry next tick", "transaction_id", t.ID, "err", err)
			continue
		}
		s.log.Infow("promoted scheduled transaction", "transaction_id", t.ID, "scheduled_at", t.ScheduledAt)
		promoted++
	}
	return promoted, nil
}

// Housekeep runs the slower maintenance sweeps: requeue stuck executing rows
// and prune idempotency ledger rows outside the replay window.
func (s *Scheduler) Housekeep(ctx context.Context) {
	if n, err := s.txns.RequeueStuck(ctx, s.executingGrace); err != nil {
		s.log.Errorf("requeue stuck: %v", err)
	} else if n > 0 {
		s.log.Infof("requeued %d stuck transactions", n)
	}
	if n, err := s.repo.PruneAppliedEvents(ctx, time.Now().Add(-s.ledgerRetention)); err != nil {
		s.log.Errorf("prune ledger: %v", err)
	} else if n > 0 {
		s.log.Infof("pruned %d ledger entries", n)
	}
}

// Run ticks until the context is cancelled. Housekeeping piggybacks on a
// slower cadence of the same loop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	const housekeepEvery = 12
	ticks := 0
	s.log.Infof("scheduler started, interval %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, time.Now()); err != nil {
				s.log.Errorf("scheduler tick: %v", err)
			}
			ticks++
			if ticks%housekeepEvery == 0 {
				s.Housekeep(ctx)
			}
		}
	}
}
