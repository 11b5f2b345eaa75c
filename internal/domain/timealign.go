package domain

import (
	"fmt"
	"strings"
	"time"
)

// Source timestamps arrive either as driver-native time.Time values or as
// strings; the comparison table stores them as "2006-01-02 15:04:05 UTC".
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseSourceTimestamp normalizes a raw database timestamp value to UTC.
// Naive string timestamps are assumed to already be UTC.
func ParseSourceTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("timestamp is zero")
		}
		return t.UTC(), nil
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(t), " UTC")
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// AlignToBucket floors a timestamp to its even-minute UTC bucket: seconds
// and sub-seconds drop, odd minutes round down. Idempotent.
func AlignToBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute()-u.Minute()%2, 0, 0, time.UTC)
}

// GroupByBucket groups incidents by their aligned bucket, preserving the
// order in which buckets first appear. One artifact pair serves each group.
func GroupByBucket(incidents []Incident) ([]time.Time, map[time.Time][]Incident) {
	order := make([]time.Time, 0, len(incidents))
	groups := make(map[time.Time][]Incident, len(incidents))
	for _, inc := range incidents {
		bucket := AlignToBucket(inc.Timestamp)
		if _, seen := groups[bucket]; !seen {
			order = append(order, bucket)
		}
		groups[bucket] = append(groups[bucket], inc)
	}
	return order, groups
}

// GribTimeKey renders a bucket in the GRIB2 archive's file-name form.
func GribTimeKey(t time.Time) string {
	return t.UTC().Format("20060102-150405")
}

// NetCDFTimeKey renders a bucket in the raster service's dstr form.
func NetCDFTimeKey(t time.Time) string {
	return t.UTC().Format("200601021504")
}

// DatePath renders the date component used in archive object keys.
func DatePath(t time.Time) string {
	return t.UTC().Format("20060102")
}
