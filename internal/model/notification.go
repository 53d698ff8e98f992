package model

import (
	"time"

	"gorm.io/datatypes"
)

// Notification is written in the same unit of work as the money movement it
// describes and later relayed to Kafka by the poller.
type Notification struct {
	ID          uint64 `gorm:"primaryKey"`
	UserID      string `gorm:"size:64;not null;index"`
	Type        string `gorm:"size:32;not null"`
	Title       string `gorm:"size:128;not null"`
	Message     string `gorm:"size:512;not null"`
	ActionURL   string `gorm:"size:255"`
	Metadata    datatypes.JSON
	CreatedAt   time.Time  `gorm:"autoCreateTime;index"`
	PublishedAt *time.Time `gorm:"index"`
}

func (Notification) TableName() string { return "notification" }

type AuditLog struct {
	ID         uint64 `gorm:"primaryKey"`
	ActorID    string `gorm:"size:64;not null;index"`
	Action     string `gorm:"size:64;not null"`
	EntityType string `gorm:"size:32;not null"`
	EntityID   string `gorm:"size:64;not null"`
	Metadata   datatypes.JSON
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (AuditLog) TableName() string { return "audit_log" }

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Wallet{}, &Transaction{}, &PlatformAccount{}, &PlatformLedgerEntry{},
		&Project{}, &Milestone{}, &FeeSchedule{}, &IdempotencyKey{},
		&Notification{}, &AuditLog{},
	}
}
