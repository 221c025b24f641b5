package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"sensorsync/pkg/domain"
)

const migrateLockID int64 = 52415241

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so multiple replicas can start concurrently.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &SessionModel{}, &ReadingModel{}, &SyncLogModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// users

// CreateUser inserts a new account and returns it with the assigned ID.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.User{}, err
	}
	return userFromModel(model), nil
}

// GetUserByUsername looks up a user by username.
func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by numeric ID.
func (s *GormStore) GetUserByID(ctx context.Context, id uint) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// HasUsername checks if a username is taken.
func (s *GormStore) HasUsername(ctx context.Context, username string) (bool, error) {
	return s.userExists(ctx, "username = ?", username)
}

// HasEmail checks if an email is registered.
func (s *GormStore) HasEmail(ctx context.Context, email string) (bool, error) {
	return s.userExists(ctx, "email = ?", email)
}

// HasDeviceID checks if a device is already registered.
func (s *GormStore) HasDeviceID(ctx context.Context, deviceID string) (bool, error) {
	return s.userExists(ctx, "device_id = ?", deviceID)
}

func (s *GormStore) userExists(ctx context.Context, cond string, arg any) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where(cond, arg).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// sync ledger

// OpenSyncLog commits the attempt row immediately so a later rollback of the
// merge transaction cannot erase it.
func (s *GormStore) OpenSyncLog(ctx context.Context, lg domain.SyncLog) (domain.SyncLog, error) {
	model := syncLogToModel(lg)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.SyncLog{}, err
	}
	return syncLogFromModel(model), nil
}

// FinalizeSyncLog closes out a sync log row outside any transaction.
func (s *GormStore) FinalizeSyncLog(ctx context.Context, id int64, fin SyncLogFinal) error {
	return finalizeSyncLog(s.db.WithContext(ctx), id, fin)
}

// ListRecentSyncLogs returns a user's latest sync attempts, newest first.
func (s *GormStore) ListRecentSyncLogs(ctx context.Context, userID uint, limit int) ([]domain.SyncLog, error) {
	if limit <= 0 {
		limit = 10
	}
	var models []SyncLogModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	logs := make([]domain.SyncLog, 0, len(models))
	for _, m := range models {
		logs = append(logs, syncLogFromModel(m))
	}
	return logs, nil
}

func finalizeSyncLog(db *gorm.DB, id int64, fin SyncLogFinal) error {
	updates := map[string]any{
		"records_count":    fin.RecordsCount,
		"duplicates_count": fin.DuplicatesCount,
		"errors_count":     fin.ErrorsCount,
		"status":           string(fin.Status),
		"error_message":    fin.ErrorMessage,
		"completed_at":     fin.CompletedAt.UTC(),
	}
	if fin.SessionID != nil {
		updates["session_id"] = *fin.SessionID
	}
	if fin.Metadata != nil {
		raw, err := json.Marshal(fin.Metadata)
		if err != nil {
			return fmt.Errorf("marshal sync log metadata: %w", err)
		}
		updates["metadata"] = raw
	}
	return db.Model(&SyncLogModel{}).Where("id = ?", id).Updates(updates).Error
}

// status + analytics reads

// SessionStats aggregates session counters for one user.
func (s *GormStore) SessionStats(ctx context.Context, userID uint) (domain.SessionStats, error) {
	var stats domain.SessionStats
	db := s.db.WithContext(ctx).Model(&SessionModel{})
	if err := db.Where("user_id = ?", userID).Count(&stats.TotalSessions).Error; err != nil {
		return stats, err
	}
	db = s.db.WithContext(ctx).Model(&SessionModel{})
	if err := db.Where("user_id = ? AND is_active", userID).Count(&stats.ActiveSessions).Error; err != nil {
		return stats, err
	}
	db = s.db.WithContext(ctx).Model(&SessionModel{})
	if err := db.Where("user_id = ? AND is_uploaded", userID).Count(&stats.UploadedSessions).Error; err != nil {
		return stats, err
	}
	return stats, nil
}

// GetSessionByPK returns a session by surrogate key.
func (s *GormStore) GetSessionByPK(ctx context.Context, id int64) (domain.Session, bool, error) {
	var model SessionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// ListReadings returns all readings of a session ordered by timestamp.
func (s *GormStore) ListReadings(ctx context.Context, sessionPK int64) ([]domain.Reading, error) {
	return listReadings(s.db.WithContext(ctx), sessionPK)
}

// Transact runs fn in one database transaction.
func (s *GormStore) Transact(ctx context.Context, fn func(Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

// gormTx implements Tx over an open *gorm.DB transaction.
type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) GetSessionByNaturalKey(userID uint, sessionUUID string) (domain.Session, bool, error) {
	var model SessionModel
	err := t.db.Where("user_id = ? AND session_id = ?", userID, sessionUUID).First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	return sessionFromModel(model), true, nil
}

func (t *gormTx) CreateSession(sess domain.Session) (domain.Session, error) {
	model := sessionToModel(sess)
	if err := t.db.Create(&model).Error; err != nil {
		return domain.Session{}, err
	}
	return sessionFromModel(model), nil
}

func (t *gormTx) UpdateSession(sess domain.Session) error {
	model := sessionToModel(sess)
	return t.db.Model(&SessionModel{}).Where("id = ?", sess.ID).
		Select("end_time", "is_active", "enabled_sensors", "sample_rate",
			"data_count", "notes", "is_uploaded", "last_synced_at", "updated_at").
		Updates(&model).Error
}

func (t *gormTx) FindReadingSlots(sessionPK int64, sensorType string, timestamps []int64) ([]domain.Reading, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}
	var models []ReadingModel
	if err := t.db.Where("session_id = ? AND sensor_type = ? AND timestamp IN ?",
		sessionPK, sensorType, timestamps).Find(&models).Error; err != nil {
		return nil, err
	}
	readings := make([]domain.Reading, 0, len(models))
	for _, m := range models {
		readings = append(readings, readingFromModel(m))
	}
	return readings, nil
}

// InsertReadings bulk-inserts new readings. The OnConflict clause turns a
// lost race on the slot index into the update path instead of an error.
func (t *gormTx) InsertReadings(rs []domain.Reading) error {
	if len(rs) == 0 {
		return nil
	}
	models := make([]ReadingModel, 0, len(rs))
	for _, r := range rs {
		models = append(models, readingToModel(r))
	}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "sensor_type"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "is_uploaded"}),
	}).CreateInBatches(&models, 500).Error
}

func (t *gormTx) UpdateReadingPayload(id int64, data json.RawMessage) error {
	return t.db.Model(&ReadingModel{}).Where("id = ?", id).Updates(map[string]any{
		"data":        []byte(data),
		"is_uploaded": true,
	}).Error
}

func (t *gormTx) CountReadings(sessionPK int64) (int64, error) {
	var count int64
	err := t.db.Model(&ReadingModel{}).Where("session_id = ?", sessionPK).Count(&count).Error
	return count, err
}

func (t *gormTx) SelectSessions(q SessionQuery) ([]domain.Session, int64, error) {
	base := t.db.Model(&SessionModel{}).Where("user_id = ?", q.UserID)
	if q.UpdatedAfter != nil {
		base = base.Where("updated_at > ?", q.UpdatedAfter.UTC())
	}
	if len(q.SessionIDs) > 0 {
		base = base.Where("session_id IN ?", q.SessionIDs)
	}
	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var models []SessionModel
	if err := base.Order("updated_at DESC").
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}
	sessions := make([]domain.Session, 0, len(models))
	for _, m := range models {
		sessions = append(sessions, sessionFromModel(m))
	}
	return sessions, total, nil
}

func (t *gormTx) ListReadings(sessionPK int64) ([]domain.Reading, error) {
	return listReadings(t.db, sessionPK)
}

func (t *gormTx) FinalizeSyncLog(id int64, fin SyncLogFinal) error {
	return finalizeSyncLog(t.db, id, fin)
}

func listReadings(db *gorm.DB, sessionPK int64) ([]domain.Reading, error) {
	var models []ReadingModel
	if err := db.Where("session_id = ?", sessionPK).
		Order("timestamp ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	readings := make([]domain.Reading, 0, len(models))
	for _, m := range models {
		readings = append(readings, readingFromModel(m))
	}
	return readings, nil
}

// model conversions

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		DeviceID:     u.DeviceID,
		IsActive:     u.IsActive,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		DeviceID:     m.DeviceID,
		IsActive:     m.IsActive,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func sessionToModel(s domain.Session) SessionModel {
	sensors := s.EnabledSensors
	if sensors == nil {
		sensors = []string{}
	}
	rawSensors, _ := json.Marshal(sensors)
	return SessionModel{
		ID:             s.ID,
		SessionID:      s.SessionID,
		UserID:         s.UserID,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		IsActive:       s.IsActive,
		EnabledSensors: rawSensors,
		SampleRate:     s.SampleRate,
		DataCount:      s.DataCount,
		Notes:          s.Notes,
		IsUploaded:     s.IsUploaded,
		LastSyncedAt:   s.LastSyncedAt,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func sessionFromModel(m SessionModel) domain.Session {
	sensors := []string{}
	if len(m.EnabledSensors) > 0 {
		_ = json.Unmarshal(m.EnabledSensors, &sensors)
	}
	return domain.Session{
		ID:             m.ID,
		SessionID:      m.SessionID,
		UserID:         m.UserID,
		StartTime:      m.StartTime,
		EndTime:        m.EndTime,
		IsActive:       m.IsActive,
		EnabledSensors: sensors,
		SampleRate:     m.SampleRate,
		DataCount:      m.DataCount,
		Notes:          m.Notes,
		IsUploaded:     m.IsUploaded,
		LastSyncedAt:   m.LastSyncedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func readingToModel(r domain.Reading) ReadingModel {
	return ReadingModel{
		ID:         r.ID,
		SessionID:  r.SessionID,
		SensorType: r.SensorType,
		Timestamp:  r.Timestamp,
		Data:       []byte(r.Data),
		IsUploaded: r.IsUploaded,
		CreatedAt:  r.CreatedAt,
	}
}

func readingFromModel(m ReadingModel) domain.Reading {
	return domain.Reading{
		ID:         m.ID,
		SessionID:  m.SessionID,
		SensorType: m.SensorType,
		Timestamp:  m.Timestamp,
		Data:       json.RawMessage(m.Data),
		IsUploaded: m.IsUploaded,
		CreatedAt:  m.CreatedAt,
	}
}

func syncLogToModel(lg domain.SyncLog) SyncLogModel {
	var meta []byte
	if lg.Metadata != nil {
		meta, _ = json.Marshal(lg.Metadata)
	}
	return SyncLogModel{
		ID:              lg.ID,
		UserID:          lg.UserID,
		SyncType:        string(lg.SyncType),
		SessionID:       lg.SessionID,
		RecordsCount:    lg.RecordsCount,
		DuplicatesCount: lg.DuplicatesCount,
		ErrorsCount:     lg.ErrorsCount,
		Status:          string(lg.Status),
		ErrorMessage:    lg.ErrorMessage,
		Metadata:        meta,
		StartedAt:       lg.StartedAt,
		CompletedAt:     lg.CompletedAt,
		CreatedAt:       lg.CreatedAt,
	}
}

func syncLogFromModel(m SyncLogModel) domain.SyncLog {
	var meta map[string]any
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.SyncLog{
		ID:              m.ID,
		UserID:          m.UserID,
		SyncType:        domain.SyncType(m.SyncType),
		SessionID:       m.SessionID,
		RecordsCount:    m.RecordsCount,
		DuplicatesCount: m.DuplicatesCount,
		ErrorsCount:     m.ErrorsCount,
		Status:          domain.SyncStatus(m.Status),
		ErrorMessage:    m.ErrorMessage,
		Metadata:        meta,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		CreatedAt:       m.CreatedAt,
	}
}
