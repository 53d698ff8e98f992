package model

import "time"

// IdempotencyKey doubles as a mutex: the insert claims the request, the
// response columns are filled in once a response exists.
type IdempotencyKey struct {
	ID          uint64 `gorm:"primaryKey"`
	UserID      string `gorm:"size:64;not null;uniqueIndex:uq_idem_key;index:idx_idem_hash"`
	Endpoint    string `gorm:"size:128;not null;uniqueIndex:uq_idem_key;index:idx_idem_hash"`
	Key         string `gorm:"column:idem_key;size:64;not null;uniqueIndex:uq_idem_key"`
	RequestHash string `gorm:"size:64;not null;index:idx_idem_hash"`
	StatusCode  *int
	Response    []byte
	CreatedAt   time.Time `gorm:"not null;index"`
}

func (IdempotencyKey) TableName() string { return "idempotency_key" }
