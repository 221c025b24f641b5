package domain

import (
	"encoding/json"
	"time"
)

// SyncType distinguishes the two directions of a sync attempt.
type SyncType string

const (
	SyncPush SyncType = "push"
	SyncPull SyncType = "pull"
)

// SyncStatus is the terminal state of a sync attempt.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncPartial SyncStatus = "partial"
	SyncFailed  SyncStatus = "failed"
)

// User is an account that owns recording sessions. IDs are numeric and
// stable; they are what goes into token subjects.
type User struct {
	ID           uint      `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	DeviceID     string    `json:"device_id"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is one continuous recording episode. SessionID is the
// client-generated UUID used as the natural key for upsert matching;
// ID is the server-side surrogate key readings hang off.
type Session struct {
	ID             int64      `json:"-"`
	SessionID      string     `json:"session_id"`
	UserID         uint       `json:"-"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	IsActive       bool       `json:"is_active"`
	EnabledSensors []string   `json:"enabled_sensors"`
	SampleRate     int        `json:"sample_rate"`
	DataCount      int64      `json:"data_count"`
	Notes          string     `json:"notes"`
	IsUploaded     bool       `json:"is_uploaded"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Reading is a single sensor sample. Timestamp is client-supplied epoch
// milliseconds, not server time. The triple (SessionID, SensorType,
// Timestamp) identifies a logical slot; a second write to the same slot
// overwrites the payload rather than creating a new row.
type Reading struct {
	ID         int64           `json:"-"`
	SessionID  int64           `json:"-"`
	SensorType string          `json:"sensor_type"`
	Timestamp  int64           `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
	IsUploaded bool            `json:"is_uploaded"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SyncLog is the append-only audit record of one push or pull attempt.
// A row is opened before any session/reading state is touched and is
// finalized on every exit path, failures included.
type SyncLog struct {
	ID              int64          `json:"id"`
	UserID          uint           `json:"user_id"`
	SyncType        SyncType       `json:"sync_type"`
	SessionID       *int64         `json:"session_id"`
	RecordsCount    int            `json:"records_count"`
	DuplicatesCount int            `json:"duplicates_count"`
	ErrorsCount     int            `json:"errors_count"`
	Status          SyncStatus     `json:"status"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	CreatedAt       time.Time      `json:"created_at"`
}

// SessionStats summarizes a user's sessions for the status endpoint.
type SessionStats struct {
	TotalSessions    int64 `json:"total_sessions"`
	ActiveSessions   int64 `json:"active_sessions"`
	UploadedSessions int64 `json:"uploaded_sessions"`
}
