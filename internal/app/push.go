package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sensorsync/internal/util"
	"sensorsync/pkg/domain"
	"sensorsync/pkg/store"
)

// SessionDescriptor is the client's view of a recording session. Pointer
// fields distinguish "absent" from zero values: on an existing session an
// omitted field preserves the stored value, a supplied one overwrites it.
type SessionDescriptor struct {
	SessionID      string   `json:"session_id"`
	StartTime      string   `json:"start_time"`
	EndTime        *string  `json:"end_time"`
	IsActive       *bool    `json:"is_active"`
	EnabledSensors []string `json:"enabled_sensors"`
	SampleRate     *int     `json:"sample_rate"`
	Notes          *string  `json:"notes"`
}

// ReadingInput is one incoming sensor sample.
type ReadingInput struct {
	SensorType string          `json:"sensor_type"`
	Timestamp  *int64          `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Session    *SessionDescriptor `json:"session"`
	SensorData []ReadingInput     `json:"sensor_data"`
}

// PushResult reports what one push merged.
type PushResult struct {
	Message          string `json:"message"`
	SessionID        string `json:"session_id"`
	TotalRecords     int    `json:"total_records"`
	Inserted         int    `json:"inserted"`
	Updated          int    `json:"updated"`
	Duplicates       int    `json:"duplicates"`
	Errors           int    `json:"errors"`
	SyncLogID        int64  `json:"sync_log_id"`
	SessionDataCount int64  `json:"session_data_count"`
}

// Push merges a session descriptor and a batch of readings into stored
// state. Matching by (session_id, sensor_type, timestamp), existing slots
// are overwritten (last-write-wins) and new ones inserted; re-pushing the
// same batch is therefore safe, which is what makes blind client retries
// correct. The merge runs in one transaction: either session, readings and
// log finalization all commit, or none do.
func (a *App) Push(ctx context.Context, userID uint, req PushRequest, payloadBytes int) (PushResult, error) {
	in, err := a.validatePush(req)
	if err != nil {
		return PushResult{}, err
	}
	items := in.items

	startedAt := time.Now().UTC()
	syncLog, err := a.store.OpenSyncLog(ctx, domain.SyncLog{
		UserID:    userID,
		SyncType:  domain.SyncPush,
		Status:    domain.SyncSuccess,
		StartedAt: startedAt,
		CreatedAt: startedAt,
	})
	if err != nil {
		return PushResult{}, fmt.Errorf("open sync log: %w", err)
	}

	var result PushResult
	var sessionPK int64
	txErr := a.store.Transact(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		sess, err := resolveSession(tx, userID, in, now)
		if err != nil {
			return err
		}
		sessionPK = sess.ID

		inserted, updated, sensorTypes, err := mergeReadings(tx, sess.ID, items)
		if err != nil {
			return err
		}

		// Authoritative recount rather than an increment, so the counter
		// cannot drift under concurrent or partially retried pushes.
		count, err := tx.CountReadings(sess.ID)
		if err != nil {
			return fmt.Errorf("count readings: %w", err)
		}
		sess.DataCount = count
		sess.LastSyncedAt = &now
		sess.IsUploaded = true
		sess.UpdatedAt = now
		if err := tx.UpdateSession(sess); err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		if err := tx.FinalizeSyncLog(syncLog.ID, store.SyncLogFinal{
			SessionID:    &sess.ID,
			RecordsCount: len(items),
			Status:       domain.SyncSuccess,
			CompletedAt:  time.Now().UTC(),
			Metadata: map[string]any{
				"inserted":         inserted,
				"updated":          updated,
				"sensor_types":     sensorTypes,
				"total_size_bytes": payloadBytes,
			},
		}); err != nil {
			return fmt.Errorf("finalize sync log: %w", err)
		}

		result = PushResult{
			Message:          "Sync completed successfully",
			SessionID:        sess.SessionID,
			TotalRecords:     len(items),
			Inserted:         inserted,
			Updated:          updated,
			SyncLogID:        syncLog.ID,
			SessionDataCount: count,
		}
		return nil
	})
	if txErr != nil {
		a.markSyncFailed(ctx, syncLog.ID, txErr, len(items))
		return PushResult{}, fmt.Errorf("push: %w", txErr)
	}

	a.enqueueAnalysis(ctx, sessionPK, userID)
	return result, nil
}

// pushInput is a validated push request: UUID canonicalized, times parsed.
type pushInput struct {
	desc      SessionDescriptor
	startTime time.Time
	endTime   *time.Time
	items     []ReadingInput
}

func (a *App) validatePush(req PushRequest) (pushInput, error) {
	if req.Session == nil || req.SensorData == nil {
		return pushInput{}, ErrInvalidRequest
	}
	in := pushInput{desc: *req.Session, items: req.SensorData}
	if in.desc.SessionID == "" || in.desc.StartTime == "" {
		return pushInput{}, ErrMissingSessionFields
	}
	parsed, err := uuid.Parse(in.desc.SessionID)
	if err != nil {
		return pushInput{}, ErrInvalidSessionID
	}
	in.desc.SessionID = parsed.String()
	in.startTime, err = parseISOTime(in.desc.StartTime)
	if err != nil {
		return pushInput{}, ErrInvalidStartTime
	}
	if in.desc.EndTime != nil {
		endTime, err := parseISOTime(*in.desc.EndTime)
		if err != nil {
			return pushInput{}, ErrInvalidEndTime
		}
		in.endTime = &endTime
	}
	if len(req.SensorData) > a.maxPushBatch {
		return pushInput{}, ErrBatchTooLarge
	}
	for _, item := range req.SensorData {
		if item.SensorType == "" {
			return pushInput{}, ErrMissingSensorType
		}
		if item.Timestamp == nil {
			return pushInput{}, ErrMissingTimestamp
		}
	}
	return in, nil
}

// resolveSession finds the session by its natural key or creates it, and
// applies the descriptor's last-write-wins field merge on the found path:
// end_time, is_active, and notes overwrite only when supplied, and
// updated_at advances unconditionally so delta pull sees the push.
func resolveSession(tx store.Tx, userID uint, in pushInput, now time.Time) (domain.Session, error) {
	sess, found, err := tx.GetSessionByNaturalKey(userID, in.desc.SessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("resolve session: %w", err)
	}
	if !found {
		return createSession(tx, userID, in, now)
	}
	if in.endTime != nil {
		sess.EndTime = in.endTime
	}
	if in.desc.IsActive != nil {
		sess.IsActive = *in.desc.IsActive
	}
	if in.desc.Notes != nil {
		sess.Notes = *in.desc.Notes
	}
	sess.UpdatedAt = now
	return sess, nil
}

func createSession(tx store.Tx, userID uint, in pushInput, now time.Time) (domain.Session, error) {
	sess := domain.Session{
		SessionID:      in.desc.SessionID,
		UserID:         userID,
		StartTime:      in.startTime,
		EndTime:        in.endTime,
		EnabledSensors: []string{},
		SampleRate:     100,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.desc.IsActive != nil {
		sess.IsActive = *in.desc.IsActive
	}
	if in.desc.EnabledSensors != nil {
		sess.EnabledSensors = in.desc.EnabledSensors
	}
	if in.desc.SampleRate != nil {
		sess.SampleRate = *in.desc.SampleRate
	}
	if in.desc.Notes != nil {
		sess.Notes = *in.desc.Notes
	}
	return tx.CreateSession(sess)
}

// mergeReadings partitions the batch by sensor type, checks existing slots
// per group in one range query, then overwrites matches and bulk-inserts
// the rest. Grouping only batches the existence check; it does not change
// outcomes.
func mergeReadings(tx store.Tx, sessionPK int64, items []ReadingInput) (inserted, updated int, sensorTypes []string, err error) {
	groups := make(map[string][]ReadingInput)
	for _, item := range items {
		groups[item.SensorType] = append(groups[item.SensorType], item)
	}

	now := time.Now().UTC()
	for sensorType, group := range groups {
		sensorTypes = append(sensorTypes, sensorType)

		// Collapse duplicate slots within the batch first: the last
		// occurrence wins and earlier ones count as updated, so a single
		// batch can never write one slot twice.
		bySlot := make(map[int64]ReadingInput, len(group))
		timestamps := make([]int64, 0, len(group))
		for _, item := range group {
			if _, seen := bySlot[*item.Timestamp]; seen {
				updated++
			} else {
				timestamps = append(timestamps, *item.Timestamp)
			}
			bySlot[*item.Timestamp] = item
		}

		existing, err := tx.FindReadingSlots(sessionPK, sensorType, timestamps)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("find reading slots: %w", err)
		}
		byTimestamp := make(map[int64]domain.Reading, len(existing))
		for _, r := range existing {
			byTimestamp[r.Timestamp] = r
		}

		newReadings := make([]domain.Reading, 0, len(timestamps))
		for _, ts := range timestamps {
			item := bySlot[ts]
			data := item.Data
			if data == nil {
				data = json.RawMessage("{}")
			}
			if match, ok := byTimestamp[ts]; ok {
				if err := tx.UpdateReadingPayload(match.ID, data); err != nil {
					return 0, 0, nil, fmt.Errorf("overwrite reading: %w", err)
				}
				updated++
				continue
			}
			newReadings = append(newReadings, domain.Reading{
				SessionID:  sessionPK,
				SensorType: sensorType,
				Timestamp:  ts,
				Data:       data,
				IsUploaded: true,
				CreatedAt:  now,
			})
			inserted++
		}
		if err := tx.InsertReadings(newReadings); err != nil {
			return 0, 0, nil, fmt.Errorf("insert readings: %w", err)
		}
	}
	return inserted, updated, sensorTypes, nil
}

// markSyncFailed records the failure on the already-committed log row after
// the merge transaction rolled back. Best effort: the original error is
// what propagates, not a finalize failure.
func (a *App) markSyncFailed(ctx context.Context, logID int64, cause error, batchSize int) {
	if err := a.store.FinalizeSyncLog(ctx, logID, store.SyncLogFinal{
		ErrorsCount:  batchSize,
		Status:       domain.SyncFailed,
		ErrorMessage: cause.Error(),
		CompletedAt:  time.Now().UTC(),
	}); err != nil {
		util.LoggerFromContext(ctx).Error("finalize failed sync log", "log_id", logID, "err", err)
	}
}

// enqueueAnalysis hands the session to the analytics worker without
// awaiting it; push latency never depends on analysis.
func (a *App) enqueueAnalysis(ctx context.Context, sessionPK int64, userID uint) {
	if a.queue == nil || sessionPK == 0 {
		return
	}
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := a.queue.Enqueue(enqueueCtx, sessionPK, userID); err != nil {
		util.LoggerFromContext(ctx).Warn("enqueue analysis", "session_pk", sessionPK, "err", err)
	}
}
