package analytics

import (
	"encoding/json"
	"math"
	"testing"

	"sensorsync/pkg/domain"
)

func reading(sensorType string, ts int64, payload string) domain.Reading {
	return domain.Reading{
		SensorType: sensorType,
		Timestamp:  ts,
		Data:       json.RawMessage(payload),
	}
}

func TestAnalyzeTriAxisSensor(t *testing.T) {
	sess := domain.Session{SessionID: "s-1"}
	readings := []domain.Reading{
		reading("accelerometer", 1000, `{"x":1.0,"y":2.0,"z":3.0}`),
		reading("accelerometer", 1100, `{"x":3.0,"y":4.0,"z":5.0}`),
	}

	report := Analyze(sess, readings)
	if report.TotalRecords != 2 {
		t.Fatalf("total_records = %d, want 2", report.TotalRecords)
	}
	summary, ok := report.Sensors["accelerometer"]
	if !ok {
		t.Fatalf("no accelerometer summary")
	}
	if summary.Count != 2 {
		t.Fatalf("count = %d, want 2", summary.Count)
	}
	if summary.DurationMS != 100 {
		t.Fatalf("duration_ms = %d, want 100", summary.DurationMS)
	}
	x := summary.Axes["x"]
	if x.Mean != 2.0 {
		t.Fatalf("x mean = %v, want 2.0", x.Mean)
	}
	if x.Min != 1.0 || x.Max != 3.0 {
		t.Fatalf("x min/max = %v/%v, want 1.0/3.0", x.Min, x.Max)
	}
	if math.Abs(x.Std-1.0) > 1e-9 {
		t.Fatalf("x std = %v, want 1.0", x.Std)
	}
}

func TestAnalyzeGPSBounds(t *testing.T) {
	sess := domain.Session{SessionID: "s-1"}
	readings := []domain.Reading{
		reading("gps", 1000, `{"latitude":52.1,"longitude":13.3}`),
		reading("gps", 2000, `{"latitude":52.3,"longitude":13.1}`),
	}

	report := Analyze(sess, readings)
	summary := report.Sensors["gps"]
	if summary.Location == nil {
		t.Fatalf("gps summary missing location bounds")
	}
	loc := summary.Location
	if loc.MinLatitude != 52.1 || loc.MaxLatitude != 52.3 {
		t.Fatalf("latitude bounds = %v..%v", loc.MinLatitude, loc.MaxLatitude)
	}
	if loc.MinLongitude != 13.1 || loc.MaxLongitude != 13.3 {
		t.Fatalf("longitude bounds = %v..%v", loc.MinLongitude, loc.MaxLongitude)
	}
	if summary.Axes != nil {
		t.Fatalf("gps summary should not carry axis stats")
	}
}

func TestAnalyzeUnknownSensorCountsOnly(t *testing.T) {
	sess := domain.Session{SessionID: "s-1"}
	readings := []domain.Reading{
		reading("heart_rate", 1000, `{"bpm":70}`),
		reading("heart_rate", 3000, `{"bpm":72}`),
	}

	report := Analyze(sess, readings)
	summary := report.Sensors["heart_rate"]
	if summary.Count != 2 {
		t.Fatalf("count = %d, want 2", summary.Count)
	}
	if summary.DurationMS != 2000 {
		t.Fatalf("duration_ms = %d, want 2000", summary.DurationMS)
	}
	if summary.Axes != nil || summary.Location != nil {
		t.Fatalf("unknown sensor should only carry count and duration")
	}
}

func TestAnalyzeSkipsMalformedPayloads(t *testing.T) {
	sess := domain.Session{SessionID: "s-1"}
	readings := []domain.Reading{
		reading("gyroscope", 1000, `{"x":1.0,"y":1.0,"z":1.0}`),
		reading("gyroscope", 1100, `not json`),
	}

	report := Analyze(sess, readings)
	summary := report.Sensors["gyroscope"]
	if summary.Count != 2 {
		t.Fatalf("count = %d, want 2 (raw sample count)", summary.Count)
	}
	x := summary.Axes["x"]
	if x.Mean != 1.0 || x.Std != 0 {
		t.Fatalf("x stats should cover only the parseable sample: %+v", x)
	}
}

func TestAnalyzeEmptySession(t *testing.T) {
	report := Analyze(domain.Session{SessionID: "s-1"}, nil)
	if report.TotalRecords != 0 {
		t.Fatalf("total_records = %d, want 0", report.TotalRecords)
	}
	if len(report.Sensors) != 0 {
		t.Fatalf("sensors = %d, want 0", len(report.Sensors))
	}
}
