package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Incident is one ground-truth precipitation record from the comparison
// table. Row retains every source column so the merged output can carry
// fields this service does not interpret.
type Incident struct {
	ID        string
	Lat       float64
	Lon       float64
	Timestamp time.Time
	Row       map[string]any
}

// MatchResult is a nearest-cell answer from either grid rendition. Value is
// nil when the sampled cell holds NaN or a negative sentinel; zero is a real
// measurement. Row and Col index into the rendition's value array.
type MatchResult struct {
	Row       int
	Col       int
	Lat       float64
	Lon       float64
	DistanceM float64
	Value     *float64
}

// MergedRecord is one comparison output row: the source columns plus the
// per-rendition match fields added by the pipeline.
type MergedRecord map[string]any

// IncidentID returns the record's incident identifier as a string.
func (m MergedRecord) IncidentID() string {
	return fmt.Sprint(m["incident_id"])
}

// AlignedTimestamp returns the record's aligned bucket timestamp, or the
// empty string when the record has none.
func (m MergedRecord) AlignedTimestamp() string {
	if s, ok := m["aligned_utc_timestamp"].(string); ok {
		return s
	}
	return ""
}

// IncidentFromRow builds an Incident from a generically scanned row. The
// row must carry incident_id, incident_lat, incident_lon and mrms_timestamp.
func IncidentFromRow(row map[string]any) (Incident, error) {
	rawID, ok := row["incident_id"]
	if !ok || rawID == nil {
		return Incident{}, fmt.Errorf("row has no incident_id")
	}
	lat, err := floatField(row, "incident_lat")
	if err != nil {
		return Incident{}, fmt.Errorf("incident %v: %w", rawID, err)
	}
	lon, err := floatField(row, "incident_lon")
	if err != nil {
		return Incident{}, fmt.Errorf("incident %v: %w", rawID, err)
	}
	rawTS, ok := row["mrms_timestamp"]
	if !ok || rawTS == nil {
		return Incident{}, fmt.Errorf("incident %v: row has no mrms_timestamp", rawID)
	}
	ts, err := ParseSourceTimestamp(rawTS)
	if err != nil {
		return Incident{}, fmt.Errorf("incident %v: %w", rawID, err)
	}
	return Incident{
		ID:        fmt.Sprint(rawID),
		Lat:       lat,
		Lon:       lon,
		Timestamp: ts,
		Row:       row,
	}, nil
}

func floatField(row map[string]any, key string) (float64, error) {
	v, ok := row[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("row has no %s", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return f, nil
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s has unsupported type %T", key, v)
	}
}
