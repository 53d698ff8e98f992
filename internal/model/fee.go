package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FeeSchedule prices one (flow, method, currency) combination. A nil Method
// applies to every method of the flow.
type FeeSchedule struct {
	ID        string           `gorm:"primaryKey;size:36"`
	Flow      string           `gorm:"size:32;not null;index:idx_fee_lookup"`
	Method    *string          `gorm:"size:16;index:idx_fee_lookup"`
	Currency  string           `gorm:"size:3;not null;default:'KES';index:idx_fee_lookup"`
	Bps       int              `gorm:"not null;default:0"`
	Flat      decimal.Decimal  `gorm:"type:numeric(20,2);not null;default:0"`
	MinFee    decimal.Decimal  `gorm:"type:numeric(20,2);not null;default:0"`
	MaxFee    *decimal.Decimal `gorm:"type:numeric(20,2)"`
	FeePayer  string           `gorm:"size:8;not null;default:'SENDER'"`
	Active    bool             `gorm:"not null;default:true"`
	CreatedAt time.Time        `gorm:"autoCreateTime"`
	UpdatedAt time.Time        `gorm:"autoUpdateTime"`
}

func (FeeSchedule) TableName() string { return "fee_schedule" }

func (f *FeeSchedule) BeforeCreate(*gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}
