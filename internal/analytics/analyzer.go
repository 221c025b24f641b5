package analytics

import (
	"encoding/json"
	"math"
	"sort"

	"sensorsync/pkg/domain"
)

// Sensor types whose payloads carry x/y/z axes and get per-axis stats.
var triAxisSensors = map[string]bool{
	"accelerometer":       true,
	"gyroscope":           true,
	"magnetometer":        true,
	"gravity":             true,
	"linear_acceleration": true,
}

// AxisStats summarizes one axis of a motion sensor stream.
type AxisStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// SensorSummary is the per-sensor-type analysis result. Axes is set for
// tri-axis sensors, Location for GPS; count and duration are always present.
type SensorSummary struct {
	Count      int                  `json:"count"`
	DurationMS int64                `json:"duration_ms"`
	Axes       map[string]AxisStats `json:"axes,omitempty"`
	Location   *LocationBounds      `json:"location,omitempty"`
}

// LocationBounds is the bounding box of a GPS stream.
type LocationBounds struct {
	MinLatitude  float64 `json:"min_latitude"`
	MaxLatitude  float64 `json:"max_latitude"`
	MinLongitude float64 `json:"min_longitude"`
	MaxLongitude float64 `json:"max_longitude"`
}

// Report is the full analysis output for one session.
type Report struct {
	SessionID    string                   `json:"session_id"`
	TotalRecords int                      `json:"total_records"`
	Sensors      map[string]SensorSummary `json:"sensors"`
}

// Analyze computes per-sensor statistics over a session's readings. It is
// pure: malformed payloads lower the usable sample count for a sensor but
// never fail the whole report.
func Analyze(sess domain.Session, readings []domain.Reading) Report {
	groups := make(map[string][]domain.Reading)
	for _, r := range readings {
		groups[r.SensorType] = append(groups[r.SensorType], r)
	}

	report := Report{
		SessionID:    sess.SessionID,
		TotalRecords: len(readings),
		Sensors:      make(map[string]SensorSummary, len(groups)),
	}
	for sensorType, group := range groups {
		summary := SensorSummary{
			Count:      len(group),
			DurationMS: duration(group),
		}
		switch {
		case triAxisSensors[sensorType]:
			summary.Axes = axisStats(group)
		case sensorType == "gps":
			summary.Location = locationBounds(group)
		}
		report.Sensors[sensorType] = summary
	}
	return report
}

func duration(group []domain.Reading) int64 {
	if len(group) == 0 {
		return 0
	}
	minTS, maxTS := group[0].Timestamp, group[0].Timestamp
	for _, r := range group[1:] {
		if r.Timestamp < minTS {
			minTS = r.Timestamp
		}
		if r.Timestamp > maxTS {
			maxTS = r.Timestamp
		}
	}
	return maxTS - minTS
}

func axisStats(group []domain.Reading) map[string]AxisStats {
	samples := map[string][]float64{}
	for _, r := range group {
		var payload struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
			Z *float64 `json:"z"`
		}
		if err := json.Unmarshal(r.Data, &payload); err != nil {
			continue
		}
		if payload.X != nil {
			samples["x"] = append(samples["x"], *payload.X)
		}
		if payload.Y != nil {
			samples["y"] = append(samples["y"], *payload.Y)
		}
		if payload.Z != nil {
			samples["z"] = append(samples["z"], *payload.Z)
		}
	}
	if len(samples) == 0 {
		return nil
	}
	stats := make(map[string]AxisStats, len(samples))
	axes := make([]string, 0, len(samples))
	for axis := range samples {
		axes = append(axes, axis)
	}
	sort.Strings(axes)
	for _, axis := range axes {
		stats[axis] = summarize(samples[axis])
	}
	return stats
}

func summarize(values []float64) AxisStats {
	minV, maxV := values[0], values[0]
	sum := 0.0
	for _, v := range values {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	mean := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return AxisStats{Mean: mean, Std: math.Sqrt(variance), Min: minV, Max: maxV}
}

func locationBounds(group []domain.Reading) *LocationBounds {
	var bounds *LocationBounds
	for _, r := range group {
		var payload struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		}
		if err := json.Unmarshal(r.Data, &payload); err != nil {
			continue
		}
		if payload.Latitude == nil || payload.Longitude == nil {
			continue
		}
		if bounds == nil {
			bounds = &LocationBounds{
				MinLatitude:  *payload.Latitude,
				MaxLatitude:  *payload.Latitude,
				MinLongitude: *payload.Longitude,
				MaxLongitude: *payload.Longitude,
			}
			continue
		}
		bounds.MinLatitude = math.Min(bounds.MinLatitude, *payload.Latitude)
		bounds.MaxLatitude = math.Max(bounds.MaxLatitude, *payload.Latitude)
		bounds.MinLongitude = math.Min(bounds.MinLongitude, *payload.Longitude)
		bounds.MaxLongitude = math.Max(bounds.MaxLongitude, *payload.Longitude)
	}
	return bounds
}
