package analytics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sensorsync/pkg/domain"
	"sensorsync/pkg/queue"
	"sensorsync/pkg/store"
)

type memorySink struct {
	results map[string]string
}

func (s *memorySink) SetResult(_ context.Context, jobID, result string) error {
	if s.results == nil {
		s.results = map[string]string{}
	}
	s.results[jobID] = result
	return nil
}

func seedSession(t *testing.T, st *store.MemoryStore, readings ...domain.Reading) domain.Session {
	t.Helper()
	var sess domain.Session
	err := st.Transact(context.Background(), func(tx store.Tx) error {
		var err error
		sess, err = tx.CreateSession(domain.Session{
			SessionID: "11111111-2222-3333-4444-555555555555",
			UserID:    1,
			StartTime: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		for i := range readings {
			readings[i].SessionID = sess.ID
		}
		return tx.InsertReadings(readings)
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}

func TestWorkerHandleStoresReport(t *testing.T) {
	st := store.NewMemoryStore()
	sess := seedSession(t, st,
		reading("accelerometer", 1000, `{"x":1.0,"y":2.0,"z":3.0}`),
		reading("accelerometer", 1500, `{"x":2.0,"y":3.0,"z":4.0}`),
	)
	sink := &memorySink{}
	w := NewWorker(st, sink)

	job := queue.JobStatus{ID: "job-1", SessionPK: sess.ID}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	raw, ok := sink.results["job-1"]
	if !ok {
		t.Fatalf("no result stored for job")
	}
	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.SessionID != sess.SessionID {
		t.Fatalf("report session_id = %q, want %q", report.SessionID, sess.SessionID)
	}
	if report.TotalRecords != 2 {
		t.Fatalf("report total_records = %d, want 2", report.TotalRecords)
	}
	if report.Sensors["accelerometer"].DurationMS != 500 {
		t.Fatalf("duration_ms = %d, want 500", report.Sensors["accelerometer"].DurationMS)
	}
}

func TestWorkerHandleMissingSessionIsTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &memorySink{}
	w := NewWorker(st, sink)

	job := queue.JobStatus{ID: "job-1", SessionPK: 999}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("missing session should not error (retry cannot help): %v", err)
	}
	if len(sink.results) != 0 {
		t.Fatalf("no result should be stored for a missing session")
	}
}
