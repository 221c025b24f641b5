package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sensorsync/pkg/domain"
	"sensorsync/pkg/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// PullRequest is the body of POST /sync/pull. Pointer fields separate
// "absent, use the default" from an explicit invalid zero.
type PullRequest struct {
	LastSyncTime *string  `json:"last_sync_time"`
	SessionIDs   []string `json:"session_ids"`
	Page         *int     `json:"page"`
	PageSize     *int     `json:"page_size"`
	IncludeData  *bool    `json:"include_data"`
}

// SessionPayload is one pulled session with its readings inlined when
// include_data was requested.
type SessionPayload struct {
	domain.Session
	SensorData []ReadingPayload `json:"sensor_data"`
}

// ReadingPayload is the wire projection of a stored reading.
type ReadingPayload struct {
	SensorType string `json:"sensor_type"`
	Timestamp  int64  `json:"timestamp"`
	Data       any    `json:"data"`
}

// PullResult is a page of sessions changed since the caller's checkpoint.
// ServerTimestamp is taken after the read committed; it is the value the
// client must use as last_sync_time on its next pull. A client that uses
// its own clock instead can skew past server time and silently miss
// sessions updated in between.
type PullResult struct {
	Sessions        []SessionPayload `json:"sessions"`
	ServerTimestamp time.Time        `json:"server_timestamp"`
	Page            int              `json:"page"`
	PageSize        int              `json:"page_size"`
	Total           int64            `json:"total"`
	HasMore         bool             `json:"has_more"`
	SyncLogID       int64            `json:"sync_log_id"`
}

// Pull selects the caller's sessions updated strictly after last_sync_time,
// newest first, paginated. A session updated exactly at the checkpoint is
// not re-sent. Pull never mutates sessions or readings.
func (a *App) Pull(ctx context.Context, userID uint, req PullRequest) (PullResult, error) {
	page := 1
	if req.Page != nil {
		page = *req.Page
	}
	pageSize := defaultPageSize
	if req.PageSize != nil {
		pageSize = *req.PageSize
	}
	includeData := true
	if req.IncludeData != nil {
		includeData = *req.IncludeData
	}
	if page < 1 {
		return PullResult{}, ErrInvalidPage
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return PullResult{}, ErrInvalidPageSize
	}
	var updatedAfter *time.Time
	if req.LastSyncTime != nil && *req.LastSyncTime != "" {
		parsed, err := parseISOTime(*req.LastSyncTime)
		if err != nil {
			return PullResult{}, ErrInvalidLastSyncTime
		}
		updatedAfter = &parsed
	}
	sessionIDs := normalizeUUIDs(req.SessionIDs)

	startedAt := time.Now().UTC()
	syncLog, err := a.store.OpenSyncLog(ctx, domain.SyncLog{
		UserID:    userID,
		SyncType:  domain.SyncPull,
		Status:    domain.SyncSuccess,
		StartedAt: startedAt,
		CreatedAt: startedAt,
		Metadata: map[string]any{
			"last_sync_time": req.LastSyncTime,
			"page":           page,
			"page_size":      pageSize,
			"include_data":   includeData,
		},
	})
	if err != nil {
		return PullResult{}, fmt.Errorf("open sync log: %w", err)
	}

	offset := (page - 1) * pageSize
	var result PullResult
	txErr := a.store.Transact(ctx, func(tx store.Tx) error {
		sessions, total, err := tx.SelectSessions(store.SessionQuery{
			UserID:       userID,
			UpdatedAfter: updatedAfter,
			SessionIDs:   sessionIDs,
			Offset:       offset,
			Limit:        pageSize,
		})
		if err != nil {
			return fmt.Errorf("select sessions: %w", err)
		}

		payloads := make([]SessionPayload, 0, len(sessions))
		totalRecords := 0
		for _, sess := range sessions {
			payload := SessionPayload{Session: sess, SensorData: []ReadingPayload{}}
			if includeData {
				readings, err := tx.ListReadings(sess.ID)
				if err != nil {
					return fmt.Errorf("list readings: %w", err)
				}
				payload.SensorData = make([]ReadingPayload, 0, len(readings))
				for _, r := range readings {
					payload.SensorData = append(payload.SensorData, ReadingPayload{
						SensorType: r.SensorType,
						Timestamp:  r.Timestamp,
						Data:       r.Data,
					})
				}
				totalRecords += len(readings)
			}
			payloads = append(payloads, payload)
		}

		hasMore := int64(offset+pageSize) < total
		if err := tx.FinalizeSyncLog(syncLog.ID, store.SyncLogFinal{
			RecordsCount: totalRecords,
			Status:       domain.SyncSuccess,
			CompletedAt:  time.Now().UTC(),
			Metadata: map[string]any{
				"last_sync_time": req.LastSyncTime,
				"page":           page,
				"page_size":      pageSize,
				"include_data":   includeData,
				"sessions_count": len(payloads),
				"total_records":  totalRecords,
				"total_sessions": total,
				"has_more":       hasMore,
			},
		}); err != nil {
			return fmt.Errorf("finalize sync log: %w", err)
		}

		result = PullResult{
			Sessions:  payloads,
			Page:      page,
			PageSize:  pageSize,
			Total:     total,
			HasMore:   hasMore,
			SyncLogID: syncLog.ID,
		}
		return nil
	})
	if txErr != nil {
		a.markSyncFailed(ctx, syncLog.ID, txErr, 0)
		return PullResult{}, fmt.Errorf("pull: %w", txErr)
	}

	result.ServerTimestamp = time.Now().UTC()
	return result, nil
}

// normalizeUUIDs canonicalizes parseable entries and passes the rest
// through untouched; an unknown ID simply matches nothing.
func normalizeUUIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if parsed, err := uuid.Parse(id); err == nil {
			out = append(out, parsed.String())
			continue
		}
		out = append(out, id)
	}
	return out
}
