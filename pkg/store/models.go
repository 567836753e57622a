package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type MachineModel struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"uniqueIndex;not null"`
	RemoteMachineID string
	Status          string `gorm:"not null"`
	Version         string
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type CreditAccountModel struct {
	ID             string    `gorm:"primaryKey"`
	UserID         string    `gorm:"uniqueIndex;not null"`
	Balance        int       `gorm:"not null;default:0"`
	TotalPurchased int       `gorm:"not null;default:0"`
	TotalUsed      int       `gorm:"not null;default:0"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type CreditTransactionModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index"`
	Amount      int    `gorm:"not null"`
	Type        string `gorm:"not null"`
	Description string
	CreatedAt   time.Time `gorm:"not null;index"`
}

type UsageLogModel struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index"`
	MessageID    string
	InputTokens  int       `gorm:"not null"`
	OutputTokens int       `gorm:"not null"`
	CreditsUsed  int       `gorm:"not null"`
	Model        string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

type MemoryModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index;uniqueIndex:idx_memory_user_key"`
	Key       string    `gorm:"not null;uniqueIndex:idx_memory_user_key"`
	Value     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type IntegrationModel struct {
	ID          string         `gorm:"primaryKey"`
	UserID      string         `gorm:"not null;index;uniqueIndex:idx_integration_user_type"`
	Type        string         `gorm:"not null;uniqueIndex:idx_integration_user_type"`
	Credentials datatypes.JSON `gorm:"type:jsonb"`
	Enabled     bool           `gorm:"not null;default:true"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}
