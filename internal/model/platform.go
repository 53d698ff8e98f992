package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AccountFeeRevenue     = "FEE_REVENUE"
	AccountPayoutClearing = "PAYOUT_CLEARING"

	DirectionCredit = "CREDIT"
	DirectionDebit  = "DEBIT"

	EntryFeeRevenueCredit     = "FEE_REVENUE_CREDIT"
	EntryFeeRevenueDebit      = "FEE_REVENUE_DEBIT"
	EntryPayoutClearingCredit = "PAYOUT_CLEARING_CREDIT"
	EntryPayoutClearingDebit  = "PAYOUT_CLEARING_DEBIT"
)

// PlatformAccount holds the platform's own balances, one row per currency.
type PlatformAccount struct {
	Currency       string          `gorm:"primaryKey;size:3"`
	FeeRevenue     decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	PayoutClearing decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	CreatedAt      time.Time       `gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime"`
}

func (PlatformAccount) TableName() string { return "platform_account" }

// PlatformLedgerEntry is append-only.
type PlatformLedgerEntry struct {
	ID            string          `gorm:"primaryKey;size:36"`
	Currency      string          `gorm:"size:3;not null;index"`
	Account       string          `gorm:"size:32;not null"`
	Direction     string          `gorm:"size:8;not null"`
	Type          string          `gorm:"size:32;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	TransactionID *string         `gorm:"size:36;index"`
	Reference     *string         `gorm:"size:64"`
	Metadata      datatypes.JSON
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (PlatformLedgerEntry) TableName() string { return "platform_ledger_entry" }

func (e *PlatformLedgerEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// Signed returns the entry amount with credits positive and debits negative.
func (e PlatformLedgerEntry) Signed() decimal.Decimal {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}
