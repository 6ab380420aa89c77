package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/account"
	"github.com/finbank/transaction-engine/internal/config"
	"github.com/finbank/transaction-engine/internal/event"
	"github.com/finbank/transaction-engine/internal/ledger"
	"github.com/finbank/transaction-engine/internal/logger"
	"github.com/finbank/transaction-engine/internal/reconciler"
	"github.com/finbank/transaction-engine/internal/repo"
	"github.com/finbank/transaction-engine/internal/retry"
	"github.com/finbank/transaction-engine/internal/txn"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.New("balance-reconciler")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	repository := repo.NewRepository(gdb, rdb, log)
	if err := repository.AutoMigrate(); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	led := ledger.New(repository, log)
	accounts := account.NewGormStore()
	svc := txn.NewService(repository, log, cfg.Kafka.TransactionTopic)

	rec := reconciler.New(repository, led, accounts, svc, log, reconciler.Options{
		ConsumerName: cfg.Reconciler.Name,
		BalanceTopic: cfg.Kafka.BalanceTopic,
		Policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		DeadLetterer: event.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic),
	})

	consumer := reconciler.NewConsumer(
		cfg.Kafka.Brokers, cfg.Kafka.TransactionTopic, cfg.Kafka.ConsumerGroup,
		cfg.Reconciler.QueueDepth, rec, log)

	log.Info("balance-reconciler started")
	if err := consumer.Run(context.Background()); err != nil {
		log.Fatalf("consumer: %v", err)
	}
}
