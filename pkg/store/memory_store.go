package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"sensorsync/pkg/domain"
)

// MemoryStore keeps everything in-process. It exists for tests and local
// development; Transact snapshots state so a failing fn observes the same
// all-or-nothing behavior as the database.
type MemoryStore struct {
	mu sync.Mutex

	users    map[uint]domain.User
	sessions map[int64]domain.Session
	readings map[int64]domain.Reading
	logs     map[int64]domain.SyncLog

	nextUserID    uint
	nextSessionID int64
	nextReadingID int64
	nextLogID     int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[uint]domain.User),
		sessions:      make(map[int64]domain.Session),
		readings:      make(map[int64]domain.Reading),
		logs:          make(map[int64]domain.SyncLog),
		nextUserID:    1,
		nextSessionID: 1,
		nextReadingID: 1,
		nextLogID:     1,
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = m.nextUserID
	m.nextUserID++
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id uint) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) HasUsername(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) HasEmail(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) HasDeviceID(_ context.Context, deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if deviceID == "" {
		return false, nil
	}
	for _, u := range m.users {
		if u.DeviceID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) OpenSyncLog(_ context.Context, lg domain.SyncLog) (domain.SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lg.ID = m.nextLogID
	m.nextLogID++
	if lg.CreatedAt.IsZero() {
		lg.CreatedAt = time.Now().UTC()
	}
	m.logs[lg.ID] = lg
	return lg, nil
}

func (m *MemoryStore) FinalizeSyncLog(_ context.Context, id int64, fin SyncLogFinal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalizeLogLocked(id, fin)
}

func (m *MemoryStore) finalizeLogLocked(id int64, fin SyncLogFinal) error {
	lg, ok := m.logs[id]
	if !ok {
		return nil
	}
	if fin.SessionID != nil {
		lg.SessionID = fin.SessionID
	}
	lg.RecordsCount = fin.RecordsCount
	lg.DuplicatesCount = fin.DuplicatesCount
	lg.ErrorsCount = fin.ErrorsCount
	lg.Status = fin.Status
	lg.ErrorMessage = fin.ErrorMessage
	if fin.Metadata != nil {
		lg.Metadata = fin.Metadata
	}
	completed := fin.CompletedAt.UTC()
	lg.CompletedAt = &completed
	m.logs[id] = lg
	return nil
}

func (m *MemoryStore) ListRecentSyncLogs(_ context.Context, userID uint, limit int) ([]domain.SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	logs := make([]domain.SyncLog, 0)
	for _, lg := range m.logs {
		if lg.UserID == userID {
			logs = append(logs, lg)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].ID > logs[j].ID })
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (m *MemoryStore) SessionStats(_ context.Context, userID uint) (domain.SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats domain.SessionStats
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		stats.TotalSessions++
		if s.IsActive {
			stats.ActiveSessions++
		}
		if s.IsUploaded {
			stats.UploadedSessions++
		}
	}
	return stats, nil
}

func (m *MemoryStore) GetSessionByPK(_ context.Context, id int64) (domain.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemoryStore) ListReadings(_ context.Context, sessionPK int64) ([]domain.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listReadingsLocked(sessionPK), nil
}

func (m *MemoryStore) listReadingsLocked(sessionPK int64) []domain.Reading {
	readings := make([]domain.Reading, 0)
	for _, r := range m.readings {
		if r.SessionID == sessionPK {
			readings = append(readings, r)
		}
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Timestamp < readings[j].Timestamp })
	return readings
}

// Transact holds the store lock for the duration of fn and restores a
// snapshot if fn fails, mirroring a rolled-back database transaction.
func (m *MemoryStore) Transact(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshotLocked()
	if err := fn(&memTx{store: m}); err != nil {
		m.restoreLocked(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	sessions map[int64]domain.Session
	readings map[int64]domain.Reading
	logs     map[int64]domain.SyncLog

	nextSessionID int64
	nextReadingID int64
	nextLogID     int64
}

func (m *MemoryStore) snapshotLocked() memSnapshot {
	snap := memSnapshot{
		sessions:      make(map[int64]domain.Session, len(m.sessions)),
		readings:      make(map[int64]domain.Reading, len(m.readings)),
		logs:          make(map[int64]domain.SyncLog, len(m.logs)),
		nextSessionID: m.nextSessionID,
		nextReadingID: m.nextReadingID,
		nextLogID:     m.nextLogID,
	}
	for id, s := range m.sessions {
		snap.sessions[id] = s
	}
	for id, r := range m.readings {
		snap.readings[id] = r
	}
	for id, lg := range m.logs {
		snap.logs[id] = lg
	}
	return snap
}

func (m *MemoryStore) restoreLocked(snap memSnapshot) {
	m.sessions = snap.sessions
	m.readings = snap.readings
	m.logs = snap.logs
	m.nextSessionID = snap.nextSessionID
	m.nextReadingID = snap.nextReadingID
	m.nextLogID = snap.nextLogID
}

// memTx mutates the store directly; MemoryStore.Transact owns locking and
// rollback.
type memTx struct {
	store *MemoryStore
}

func (t *memTx) GetSessionByNaturalKey(userID uint, sessionUUID string) (domain.Session, bool, error) {
	for _, s := range t.store.sessions {
		if s.UserID == userID && s.SessionID == sessionUUID {
			return s, true, nil
		}
	}
	return domain.Session{}, false, nil
}

func (t *memTx) CreateSession(sess domain.Session) (domain.Session, error) {
	sess.ID = t.store.nextSessionID
	t.store.nextSessionID++
	t.store.sessions[sess.ID] = sess
	return sess, nil
}

func (t *memTx) UpdateSession(sess domain.Session) error {
	t.store.sessions[sess.ID] = sess
	return nil
}

func (t *memTx) FindReadingSlots(sessionPK int64, sensorType string, timestamps []int64) ([]domain.Reading, error) {
	wanted := make(map[int64]struct{}, len(timestamps))
	for _, ts := range timestamps {
		wanted[ts] = struct{}{}
	}
	readings := make([]domain.Reading, 0)
	for _, r := range t.store.readings {
		if r.SessionID != sessionPK || r.SensorType != sensorType {
			continue
		}
		if _, ok := wanted[r.Timestamp]; ok {
			readings = append(readings, r)
		}
	}
	return readings, nil
}

func (t *memTx) InsertReadings(rs []domain.Reading) error {
	for _, r := range rs {
		r.ID = t.store.nextReadingID
		t.store.nextReadingID++
		t.store.readings[r.ID] = r
	}
	return nil
}

func (t *memTx) UpdateReadingPayload(id int64, data json.RawMessage) error {
	r, ok := t.store.readings[id]
	if !ok {
		return nil
	}
	r.Data = data
	r.IsUploaded = true
	t.store.readings[id] = r
	return nil
}

func (t *memTx) CountReadings(sessionPK int64) (int64, error) {
	var count int64
	for _, r := range t.store.readings {
		if r.SessionID == sessionPK {
			count++
		}
	}
	return count, nil
}

func (t *memTx) SelectSessions(q SessionQuery) ([]domain.Session, int64, error) {
	allowed := make(map[string]struct{}, len(q.SessionIDs))
	for _, id := range q.SessionIDs {
		allowed[id] = struct{}{}
	}
	candidates := make([]domain.Session, 0)
	for _, s := range t.store.sessions {
		if s.UserID != q.UserID {
			continue
		}
		if q.UpdatedAfter != nil && !s.UpdatedAt.After(*q.UpdatedAfter) {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[s.SessionID]; !ok {
				continue
			}
		}
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].ID > candidates[j].ID
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	total := int64(len(candidates))
	if q.Offset >= len(candidates) {
		return []domain.Session{}, total, nil
	}
	end := q.Offset + q.Limit
	if end > len(candidates) {
		end = len(candidates)
	}
	return candidates[q.Offset:end], total, nil
}

func (t *memTx) ListReadings(sessionPK int64) ([]domain.Reading, error) {
	return t.store.listReadingsLocked(sessionPK), nil
}

func (t *memTx) FinalizeSyncLog(id int64, fin SyncLogFinal) error {
	return t.store.finalizeLogLocked(id, fin)
}
