package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the balance snapshot owned by the account store. Version guards
// every mutation: a writer must present the version it read.
type Account struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Version   uint64          `gorm:"not null;default:0"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Account) TableName() string { return "account" }
