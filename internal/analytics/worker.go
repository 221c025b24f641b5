package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"sensorsync/internal/util"
	"sensorsync/pkg/queue"
	"sensorsync/pkg/store"
)

// ResultSink persists a finished report, keyed by job ID.
type ResultSink interface {
	SetResult(ctx context.Context, jobID, result string) error
}

// Worker consumes analysis jobs: it loads the session and its readings,
// computes the report, and writes the JSON back onto the job record.
type Worker struct {
	store store.Store
	sink  ResultSink
}

func NewWorker(st store.Store, sink ResultSink) *Worker {
	return &Worker{store: st, sink: sink}
}

// Handle processes one job. A missing session is treated as done, not an
// error: the session was deleted after the push and retrying cannot help.
func (w *Worker) Handle(ctx context.Context, job queue.JobStatus) error {
	logger := util.LoggerFromContext(ctx)

	sess, found, err := w.store.GetSessionByPK(ctx, job.SessionPK)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !found {
		logger.Warn("analysis job for missing session", "job_id", job.ID, "session_pk", job.SessionPK)
		return nil
	}
	readings, err := w.store.ListReadings(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("load readings: %w", err)
	}

	report := Analyze(sess, readings)
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if w.sink != nil {
		if err := w.sink.SetResult(ctx, job.ID, string(payload)); err != nil {
			return fmt.Errorf("store report: %w", err)
		}
	}
	logger.Info("session analyzed",
		"job_id", job.ID,
		"session_id", sess.SessionID,
		"records", report.TotalRecords,
		"sensor_types", len(report.Sensors))
	return nil
}
