package model

import "time"

// OutboxEvent is written in the same storage transaction as the state change
// it announces; the relay clears Published only after the broker acks the
// append. AggregateID keys the Kafka partition, so all events touching one
// account land on one partition.
type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Topic       string    `gorm:"size:64;not null"`
	EventType   string    `gorm:"size:64;not null"`
	AggregateID string    `gorm:"size:64;not null"`
	Producer    string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Published   bool      `gorm:"not null;default:false;index"`
	PublishedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
