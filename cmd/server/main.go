package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/account"
	"github.com/finbank/transaction-engine/internal/config"
	"github.com/finbank/transaction-engine/internal/logger"
	"github.com/finbank/transaction-engine/internal/reconciler"
	"github.com/finbank/transaction-engine/internal/repo"
	"github.com/finbank/transaction-engine/internal/retry"
	httptransport "github.com/finbank/transaction-engine/internal/transport/http"
	"github.com/finbank/transaction-engine/internal/txn"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.New("transaction-server")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. repo & services
	repository := repo.NewRepository(gdb, rdb, log)
	if err := repository.AutoMigrate(); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}
	svc := txn.NewService(repository, log, cfg.Kafka.TransactionTopic)
	balances := account.NewReader(repository)

	// 6. confirmation consumer: the state machine follows its own
	// downstream balance_updated / transaction_failed events.
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	confirmer := txn.NewConfirmer(svc, policy, log)
	confirmConsumer := reconciler.NewConsumer(
		cfg.Kafka.Brokers, cfg.Kafka.BalanceTopic, "transaction-confirmer",
		cfg.Reconciler.QueueDepth, confirmer, log)
	go func() {
		if err := confirmConsumer.Run(context.Background()); err != nil {
			log.Fatalf("confirmation consumer: %v", err)
		}
	}()

	// 7. gin router & serve
	router := httptransport.NewRouter(svc, balances, cfg.RateLimit, log)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("transaction-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
