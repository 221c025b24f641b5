package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"size:80;uniqueIndex;not null"`
	Email        string `gorm:"size:120;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:255;not null"`
	DeviceID     string `gorm:"size:100;uniqueIndex"`
	IsActive     bool   `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type SessionModel struct {
	ID             int64     `gorm:"primaryKey"`
	SessionID      string    `gorm:"type:uuid;uniqueIndex;not null"`
	UserID         uint      `gorm:"not null;index"`
	StartTime      time.Time `gorm:"not null;index"`
	EndTime        *time.Time
	IsActive       bool
	EnabledSensors datatypes.JSON `gorm:"type:jsonb"`
	SampleRate     int            `gorm:"default:100"`
	DataCount      int64          `gorm:"default:0"`
	Notes          string         `gorm:"type:text"`
	IsUploaded     bool
	LastSyncedAt   *time.Time
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time `gorm:"index"`

	Readings []ReadingModel `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// ReadingModel stores one sample. The composite unique index on
// (session_id, sensor_type, timestamp) is the slot identity: concurrent
// pushes racing past the application-level existence check hit the index
// instead of double-inserting.
type ReadingModel struct {
	ID         int64          `gorm:"primaryKey"`
	SessionID  int64          `gorm:"not null;index;uniqueIndex:idx_reading_slot"`
	SensorType string         `gorm:"size:50;not null;uniqueIndex:idx_reading_slot"`
	Timestamp  int64          `gorm:"not null;uniqueIndex:idx_reading_slot"`
	Data       datatypes.JSON `gorm:"type:jsonb;not null"`
	IsUploaded bool           `gorm:"index"`
	CreatedAt  time.Time      `gorm:"index"`
}

type SyncLogModel struct {
	ID              int64  `gorm:"primaryKey"`
	UserID          uint   `gorm:"not null;index"`
	SyncType        string `gorm:"size:20;not null"`
	SessionID       *int64 `gorm:"index"`
	RecordsCount    int
	DuplicatesCount int
	ErrorsCount     int
	Status          string         `gorm:"size:20;default:success"`
	ErrorMessage    string         `gorm:"type:text"`
	Metadata        datatypes.JSON `gorm:"type:jsonb"`
	StartedAt       time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time `gorm:"index"`
}
