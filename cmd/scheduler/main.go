package main

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/config"
	"github.com/finbank/transaction-engine/internal/logger"
	"github.com/finbank/transaction-engine/internal/repo"
	"github.com/finbank/transaction-engine/internal/scheduler"
	"github.com/finbank/transaction-engine/internal/txn"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.New("scheduler")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	repository := repo.NewRepository(gdb, nil, log)
	svc := txn.NewService(repository, log, cfg.Kafka.TransactionTopic)

	s := scheduler.New(repository, svc, log, scheduler.Options{
		Interval:        cfg.Scheduler.Interval,
		BatchSize:       cfg.Scheduler.BatchSize,
		ExecutingGrace:  cfg.Scheduler.ExecutingGrace,
		LedgerRetention: cfg.Scheduler.LedgerRetention,
	})
	s.Run(context.Background())
}
