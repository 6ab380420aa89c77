package model

import "time"

// DeadLetter holds events that cannot be processed automatically. Rows are
// for manual inspection only; nothing in the pipeline reads them back.
type DeadLetter struct {
	ID        uint64    `gorm:"primaryKey"`
	EventID   string    `gorm:"size:64"`
	EventType string    `gorm:"size:64"`
	Reason    string    `gorm:"size:256;not null"`
	Payload   string    `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (DeadLetter) TableName() string { return "dead_letter" }
