package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"sensorsync/pkg/auth"
	"sensorsync/pkg/domain"
	"sensorsync/pkg/store"
)

func newTestApp(t *testing.T, st store.Store) *App {
	t.Helper()
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{Secret: "test-secret-0123456789"})
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}
	a, err := New(Config{Store: st, Tokens: tokens})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func createTestUser(t *testing.T, st store.Store, username string) domain.User {
	t.Helper()
	now := time.Now().UTC()
	user, err := st.CreateUser(context.Background(), domain.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		DeviceID:     "device-" + username,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func i64Ptr(v int64) *int64            { return &v }
func intPtr(v int) *int                { return &v }
func boolPtr(v bool) *bool             { return &v }
func strPtr(v string) *string          { return &v }
func rawJSON(s string) json.RawMessage { return json.RawMessage(s) }

func pushReq(sessionID string, readings ...ReadingInput) PushRequest {
	if readings == nil {
		readings = []ReadingInput{}
	}
	return PushRequest{
		Session: &SessionDescriptor{
			SessionID: sessionID,
			StartTime: "2026-08-01T10:00:00Z",
		},
		SensorData: readings,
	}
}

func TestPushCreatesSessionAndInsertsReadings(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(t, st)
	user := createTestUser(t, st, "alice")
	ctx := context.Background()

	sessionID := uuid.NewString()
	req := pushReq(sessionID,
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(1000), Data: rawJSON(`{"x":0.1,"y":0.2,"z":9.8}`)},
		ReadingInput{SensorType: "gyroscope", Timestamp: i64Ptr(1000), Data: rawJSON(`{"x":0.01,"y":0.02,"z":0.03}`)},
	)
	res, err := a.Push(ctx, user.ID, req, 256)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 {
		t.Fatalf("inserted/updated = %d/%d, want 2/0", res.Inserted, res.Updated)
	}
	if res.TotalRecords != 2 {
		t.Fatalf("total_records = %d, want 2", res.TotalRecords)
	}
	if res.SessionDataCount != 2 {
		t.Fatalf("session_data_count = %d, want 2", res.SessionDataCount)
	}
	if res.SessionID != sessionID {
		t.Fatalf("session_id = %q, want %q", res.SessionID, sessionID)
	}

	logs, err := st.ListRecentSyncLogs(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("list sync logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("sync logs = %d, want 1", len(logs))
	}
	lg := logs[0]
	if lg.Status != domain.SyncSuccess {
		t.Fatalf("log status = %q, want success", lg.Status)
	}
	if lg.SyncType != domain.SyncPush {
		t.Fatalf("log sync_type = %q, want push", lg.SyncType)
	}
	if lg.RecordsCount != 2 {
		t.Fatalf("log records_count = %d, want 2", lg.RecordsCount)
	}
	if lg.CompletedAt == nil {
		t.Fatalf("log completed_at not set")
	}
	if lg.SessionID == nil {
		t.Fatalf("log session_id not set")
	}
}

func TestPushRetrySameBatchIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(t, st)
	user := createTestUser(t, st, "alice")
	ctx := context.Background()

	sessionID := uuid.NewString()
	req := pushReq(sessionID,
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(1000), Data: rawJSON(`{"x":1}`)},
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(1010), Data: rawJSON(`{"x":2}`)},
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(1020), Data: rawJSON(`{"x":3}`)},
	)
	if _, err := a.Push(ctx, user.ID, req, 128); err != nil {
		t.Fatalf("first push: %v", err)
	}
	res, err := a.Push(ctx, user.ID, req, 128)
	if err != nil {
		t.Fatalf("retry push: %v", err)
	}
	if res.Inserted != 0 {
		t.Fatalf("retry inserted = %d, want 0", res.Inserted)
	}
	if res.Updated != 3 {
		t.Fatalf("retry updated = %d, want 3", res.Updated)
	}
	if res.SessionDataCount != 3 {
		t.Fatalf("retry session_data_count = %d, want 3", res.SessionDataCount)
	}
}

func TestPushOverwritesSlotPayload(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(t, st)
	user := createTestUser(t, st, "alice")
	ctx := context.Background()

	sessionID := uuid.NewString()
	first := pushReq(sessionID,
		ReadingInput{SensorType: "gps", Timestamp: i64Ptr(5000), Data: rawJSON(`{"latitude":1.0,"longitude":2.0}`)},
	)
	if _, err := a.Push(ctx, user.ID, first, 64); err != nil {
		t.Fatalf("first push: %v", err)
	}
	second := pushReq(sessionID,
		ReadingInput{SensorType: "gps", Timestamp: i64Ptr(5000), Data: rawJSON(`{"latitude":3.0,"longitude":4.0}`)},
	)
	if _, err := a.Push(ctx, user.ID, second, 64); err != nil {
		t.Fatalf("second push: %v", err)
	}

	sess, found, err := st.GetSessionByPK(ctx, int64(1))
	if err != nil || !found {
		t.Fatalf("load session: found=%v err=%v", found, err)
	}
	if sess.DataCount != 1 {
		t.Fatalf("data_count = %d, want 1 (overwrite, not duplicate)", sess.DataCount)
	}
	readings, err := st.ListReadings(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list readings: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("readings = %d, want 1", len(readings))
	}
	var payload map[string]float64
	if err := json.Unmarshal(readings[0].Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["latitude"] != 3.0 {
		t.Fatalf("latitude = %v, want 3.0 (last write wins)", payload["latitude"])
	}
}

func TestPushCollapsesDuplicateSlotsInOneBatch(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(t, st)
	user := createTestUser(t, st, "alice")
	ctx := context.Background()

	// Two readings for the same (sensor_type, timestamp) slot in a single
	// batch: the slot must end up stored once, carrying the later payload.
	sessionID := uuid.NewString()
	req := pushReq(sessionID,
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(1000), Data: rawJSON(`{"x":1}`)},
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(1000), Data: rawJSON(`{"x":2}`)},
	)
	res, err := a.Push(ctx, user.ID, req, 128)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("inserted = %d, want 1", res.Inserted)
	}
	if res.Updated != 1 {
		t.Fatalf("updated = %d, want 1", res.Updated)
	}
	if res.SessionDataCount != 1 {
		t.Fatalf("session_data_count = %d, want 1", res.SessionDataCount)
	}

	readings, err := st.ListReadings(ctx, int64(1))
	if err != nil {
		t.Fatalf("list readings: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("stored rows = %d, want 1 for one slot", len(readings))
	}
	var payload map[string]float64
	if err := json.Unmarshal(readings[0].Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["x"] != 2 {
		t.Fatalf("payload x = %v, want 2 (last occurrence wins)", payload["x"])
	}

	// A duplicate of an already-stored slot still overwrites.
	retry := pushReq(sessionID,
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(1000), Data: rawJSON(`{"x":3}`)},
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(1000), Data: rawJSON(`{"x":4}`)},
	)
	res, err = a.Push(ctx, user.ID, retry, 128)
	if err != nil {
		t.Fatalf("retry push: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 2 {
		t.Fatalf("retry inserted/updated = %d/%d, want 0/2", res.Inserted, res.Updated)
	}
	if res.SessionDataCount != 1 {
		t.Fatalf("retry session_data_count = %d, want 1", res.SessionDataCount)
	}
}

func TestPushMergesSessionFields(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(t, st)
	user := createTestUser(t, st, "alice")
	ctx := context.Background()

	sessionID := uuid.NewString()
	first := PushRequest{
		Session: &SessionDescriptor{
			SessionID:      sessionID,
			StartTime:      "2026-08-01T10:00:00Z",
			Notes:          strPtr("morning run"),
			SampleRate:     intPtr(50),
			EnabledSensors: []string{"accelerometer"},
		},
		SensorData: []ReadingInput{},
	}
	if _, err := a.Push(ctx, user.ID, first, 64); err != nil {
		t.Fatalf("first push: %v", err)
	}

	// Second push supplies end_time but omits notes: end_time lands,
	// notes survive.
	second := PushRequest{
		Session: &SessionDescriptor{
			SessionID: sessionID,
			StartTime: "2026-08-01T10:00:00Z",
			EndTime:   strPtr("2026-08-01T11:00:00Z"),
			IsActive:  boolPtr(false),
		},
		SensorData: []ReadingInput{},
	}
	if _, err := a.Push(ctx, user.ID, second, 64); err != nil {
		t.Fatalf("second push: %v", err)
	}

	sess, found, err := st.GetSessionByPK(ctx, int64(1))
	if err != nil || !found {
		t.Fatalf("load session: found=%v err=%v", found, err)
	}
	if sess.Notes != "morning run" {
		t.Fatalf("notes = %q, want preserved %q", sess.Notes, "morning run")
	}
	if sess.EndTime == nil {
		t.Fatalf("end_time not applied")
	}
	if sess.SampleRate != 50 {
		t.Fatalf("sample_rate = %d, want 50", sess.SampleRate)
	}
	if !sess.IsUploaded {
		t.Fatalf("is_uploaded = false, want true after push")
	}
	if sess.LastSyncedAt == nil {
		t.Fatalf("last_synced_at not set")
	}
}

func TestPushValidationRejectsBeforeLogging(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(t, st)
	user := createTestUser(t, st, "alice")
	ctx := context.Background()

	cases := []struct {
		name string
		req  PushRequest
		want error
	}{
		{"missing session", PushRequest{SensorData: []ReadingInput{}}, ErrInvalidRequest},
		{"missing sensor_data", PushRequest{Session: &SessionDescriptor{SessionID: uuid.NewString(), StartTime: "2026-08-01T10:00:00Z"}}, ErrInvalidRequest},
		{"missing start_time", PushRequest{Session: &SessionDescriptor{SessionID: uuid.NewString()}, SensorData: []ReadingInput{}}, ErrMissingSessionFields},
		{"bad uuid", PushRequest{Session: &SessionDescriptor{SessionID: "not-a-uuid", StartTime: "2026-08-01T10:00:00Z"}, SensorData: []ReadingInput{}}, ErrInvalidSessionID},
		{"bad start_time", PushRequest{Session: &SessionDescriptor{SessionID: uuid.NewString(), StartTime: "yesterday"}, SensorData: []ReadingInput{}}, ErrInvalidStartTime},
		{"bad end_time", PushRequest{Session: &SessionDescriptor{SessionID: uuid.NewString(), StartTime: "2026-08-01T10:00:00Z", EndTime: strPtr("later")}, SensorData: []ReadingInput{}}, ErrInvalidEndTime},
		{"missing sensor_type", pushReq(uuid.NewString(), ReadingInput{Timestamp: i64Ptr(1)}), ErrMissingSensorType},
		{"missing timestamp", pushReq(uuid.NewString(), ReadingInput{SensorType: "accelerometer"}), ErrMissingTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Push(ctx, user.ID, tc.req, 64)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !IsClientInput(err) {
				t.Fatalf("err %v not classified as client input", err)
			}
		})
	}

	// Rejected requests never open a ledger row.
	logs, err := st.ListRecentSyncLogs(ctx, user.ID, 50)
	if err != nil {
		t.Fatalf("list sync logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("sync logs = %d, want 0 for rejected pushes", len(logs))
	}
}

func TestPushRejectsOversizedBatch(t *testing.T) {
	st := store.NewMemoryStore()
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{Secret: "test-secret-0123456789"})
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}
	a, err := New(Config{Store: st, Tokens: tokens, MaxPushBatch: 2})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	user := createTestUser(t, st, "alice")

	req := pushReq(uuid.NewString(),
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(1), Data: rawJSON(`{}`)},
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(2), Data: rawJSON(`{}`)},
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(3), Data: rawJSON(`{}`)},
	)
	if _, err := a.Push(context.Background(), user.ID, req, 64); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("err = %v, want ErrBatchTooLarge", err)
	}
}

// failingStore forces the merge transaction to fail so the failure path of
// the ledger can be observed.
type failingStore struct {
	*store.MemoryStore
	txErr error
}

func (f *failingStore) Transact(context.Context, func(store.Tx) error) error {
	return f.txErr
}

func TestPushFailureFinalizesLogAsFailed(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore(), txErr: errors.New("connection reset")}
	a := newTestApp(t, st)
	user := createTestUser(t, st, "alice")
	ctx := context.Background()

	req := pushReq(uuid.NewString(),
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(1), Data: rawJSON(`{}`)},
		ReadingInput{SensorType: "accelerometer", Timestamp: i64Ptr(2), Data: rawJSON(`{}`)},
	)
	if _, err := a.Push(ctx, user.ID, req, 64); err == nil {
		t.Fatalf("push expected error")
	}

	logs, err := st.ListRecentSyncLogs(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("list sync logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("sync logs = %d, want 1", len(logs))
	}
	lg := logs[0]
	if lg.Status != domain.SyncFailed {
		t.Fatalf("log status = %q, want failed", lg.Status)
	}
	if lg.ErrorsCount != 2 {
		t.Fatalf("log errors_count = %d, want 2", lg.ErrorsCount)
	}
	if lg.ErrorMessage == "" {
		t.Fatalf("log error_message empty")
	}
	if lg.CompletedAt == nil {
		t.Fatalf("failed log left non-terminal")
	}
}

func TestPushAdvancesUpdatedAt(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(t, st)
	user := createTestUser(t, st, "alice")
	ctx := context.Background()

	sessionID := uuid.NewString()
	if _, err := a.Push(ctx, user.ID, pushReq(sessionID), 64); err != nil {
		t.Fatalf("first push: %v", err)
	}
	first, _, err := st.GetSessionByPK(ctx, int64(1))
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := a.Push(ctx, user.ID, pushReq(sessionID), 64); err != nil {
		t.Fatalf("second push: %v", err)
	}
	second, _, err := st.GetSessionByPK(ctx, int64(1))
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updated_at did not advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
}
