package store

import (
	"context"
	"encoding/json"
	"time"

	"sensorsync/pkg/domain"
)

// SyncLogFinal carries everything needed to close out a sync log row.
type SyncLogFinal struct {
	SessionID       *int64
	RecordsCount    int
	DuplicatesCount int
	ErrorsCount     int
	Status          domain.SyncStatus
	ErrorMessage    string
	Metadata        map[string]any
	CompletedAt     time.Time
}

// SessionQuery selects a page of a user's sessions for delta pull.
// UpdatedAfter is an exclusive lower bound on updated_at; SessionIDs, when
// non-empty, restricts the candidate set to those UUIDs. Results are ordered
// by updated_at descending.
type SessionQuery struct {
	UserID       uint
	UpdatedAfter *time.Time
	SessionIDs   []string
	Offset       int
	Limit        int
}

// Store defines persistence for users, sessions, readings, and sync logs.
//
// Sync log rows are written outside the merge transaction on purpose: the
// open happens before any state is touched and the failed-finalize happens
// after a rollback, so every attempt leaves an attributable row.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id uint) (domain.User, bool, error)
	HasUsername(ctx context.Context, username string) (bool, error)
	HasEmail(ctx context.Context, email string) (bool, error)
	HasDeviceID(ctx context.Context, deviceID string) (bool, error)

	// sync ledger
	OpenSyncLog(ctx context.Context, log domain.SyncLog) (domain.SyncLog, error)
	FinalizeSyncLog(ctx context.Context, id int64, fin SyncLogFinal) error
	ListRecentSyncLogs(ctx context.Context, userID uint, limit int) ([]domain.SyncLog, error)

	// status + analytics reads
	SessionStats(ctx context.Context, userID uint) (domain.SessionStats, error)
	GetSessionByPK(ctx context.Context, id int64) (domain.Session, bool, error)
	ListReadings(ctx context.Context, sessionPK int64) ([]domain.Reading, error)

	// Transact runs fn inside one store transaction. The Tx handle is only
	// valid for the duration of fn; any error from fn rolls everything back.
	Transact(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view handed to push and pull. One Tx per call,
// released on every exit path.
type Tx interface {
	GetSessionByNaturalKey(userID uint, sessionUUID string) (domain.Session, bool, error)
	CreateSession(s domain.Session) (domain.Session, error)
	UpdateSession(s domain.Session) error

	// FindReadingSlots returns existing readings for the given slots in one
	// range query; the merge uses it to decide insert vs overwrite.
	FindReadingSlots(sessionPK int64, sensorType string, timestamps []int64) ([]domain.Reading, error)
	InsertReadings(rs []domain.Reading) error
	UpdateReadingPayload(id int64, data json.RawMessage) error
	CountReadings(sessionPK int64) (int64, error)

	SelectSessions(q SessionQuery) ([]domain.Session, int64, error)
	ListReadings(sessionPK int64) ([]domain.Reading, error)

	FinalizeSyncLog(id int64, fin SyncLogFinal) error
}
