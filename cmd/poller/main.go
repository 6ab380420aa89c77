package main

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/finbank/transaction-engine/internal/config"
	"github.com/finbank/transaction-engine/internal/event"
	"github.com/finbank/transaction-engine/internal/logger"
	"github.com/finbank/transaction-engine/internal/repo"
)

// The poller is the outbox relay: it re-scans committed-but-unpublished
// rows and appends them to Kafka, clearing the marker only after the broker
// acks. Safe to run alongside a crashed predecessor's unfinished batch.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.New("outbox-poller")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	repository := repo.NewRepository(gdb, nil, log)

	pubs := map[string]event.Publisher{
		cfg.Kafka.TransactionTopic: event.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TransactionTopic),
		cfg.Kafka.BalanceTopic:     event.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.BalanceTopic),
	}
	relay := event.NewRelay(repository, pubs, cfg.Outbox.BatchSize, log)

	log.Info("outbox-poller started")
	relay.Run(context.Background(), cfg.Outbox.Interval)
}
