package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	FullName  string `gorm:"not null"`
	Email     string `gorm:"not null;index"`
	Avatar    string
	AccountID string    `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type FileModel struct {
	ID        string `gorm:"primaryKey"`
	Category  string `gorm:"not null;index"`
	Name      string `gorm:"not null"`
	URL       string `gorm:"not null"`
	Extension string
	Size      int64                       `gorm:"not null"`
	OwnerID   string                      `gorm:"not null;index"`
	AccountID string                      `gorm:"not null"`
	Users     datatypes.JSONSlice[string] `gorm:"type:jsonb;not null;default:'[]'"`
	BlobID    string                      `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time                   `gorm:"not null"`
	UpdatedAt time.Time                   `gorm:"not null;index"`
}
