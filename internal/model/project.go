package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ProjectDraft     = "DRAFT"
	ProjectOpen      = "OPEN"
	ProjectAssigned  = "ASSIGNED"
	ProjectActive    = "ACTIVE"
	ProjectCompleted = "COMPLETED"
	ProjectDisputed  = "DISPUTED"
	ProjectCancelled = "CANCELLED"
)

const (
	MilestonePending    = "PENDING"
	MilestoneInProgress = "IN_PROGRESS"
	MilestoneSubmitted  = "SUBMITTED"
	MilestoneInReview   = "IN_REVIEW"
	MilestoneApproved   = "APPROVED"
	MilestoneRejected   = "REJECTED"
)

type Project struct {
	ID            string          `gorm:"primaryKey;size:36"`
	OwnerID       string          `gorm:"size:64;not null;index"`
	ImplementerID *string         `gorm:"size:64;index"`
	Title         string          `gorm:"size:255;not null"`
	Description   string          `gorm:"type:text"`
	Budget        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	EscrowBalance decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	Currency      string          `gorm:"size:3;not null;default:'KES'"`
	Status        string          `gorm:"size:16;not null;index"`
	StartedAt     *time.Time
	EndedAt       *time.Time
	Milestones    []Milestone `gorm:"foreignKey:ProjectID"`
	CreatedAt     time.Time   `gorm:"autoCreateTime"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime"`
}

func (Project) TableName() string { return "project" }

func (p *Project) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

type Milestone struct {
	ID            string          `gorm:"primaryKey;size:36"`
	ProjectID     string          `gorm:"size:36;not null;index"`
	Title         string          `gorm:"size:255;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Position      int             `gorm:"not null;default:0"`
	Status        string          `gorm:"size:16;not null"`
	Evidence      datatypes.JSON
	VerifierID    *string `gorm:"size:64"`
	VerifierNotes string  `gorm:"type:text"`
	SubmittedAt   *time.Time
	ApprovedAt    *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (Milestone) TableName() string { return "milestone" }

func (m *Milestone) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
