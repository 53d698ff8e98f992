package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Wallet is the per-user custodial balance. Balance is spendable funds,
// EscrowBalance is locked against the owner's projects.
type Wallet struct {
	ID             string          `gorm:"primaryKey;size:36"`
	UserID         string          `gorm:"size:64;not null;uniqueIndex"`
	Balance        decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	PendingBalance decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	EscrowBalance  decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	Currency       string          `gorm:"size:3;not null;default:'KES'"`
	Version        uint64          `gorm:"not null;default:0"`
	CreatedAt      time.Time       `gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }

func (w *Wallet) BeforeCreate(*gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}
