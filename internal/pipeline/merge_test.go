package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/couchcryptid/mrms-compare/internal/domain"
)

func TestBaseRecordRenamesDatabaseFields(t *testing.T) {
	inc := domain.Incident{
		ID:  "101",
		Lat: 41.5,
		Lon: -93.6,
		Row: map[string]any{
			"incident_id":    int64(101),
			"incident_lat":   41.5,
			"incident_lon":   -93.6,
			"mrms_timestamp": "2024-06-01 12:03:00 UTC",
			"data_value":     1.25,
			"mrms2_lat":      41.51,
			"mrms2_lon":      -93.61,
			"crash_severity": "minor",
		},
	}
	bucket := time.Date(2024, 6, 1, 12, 2, 0, 0, time.UTC)

	rec := baseRecord(inc, bucket, "https://archive.test/a.grib2.gz", "https://raster.test/?dstr=202406011202")

	assert.Equal(t, "2024-06-01T12:02:00Z", rec["aligned_utc_timestamp"])
	assert.Equal(t, "https://archive.test/a.grib2.gz", rec["grib2_source_url"])
	assert.Equal(t, "https://raster.test/?dstr=202406011202", rec["netcdf_source_url"])

	assert.Equal(t, 1.25, rec["db_netcdf_precip_mm"])
	assert.Equal(t, 41.51, rec["db_netcdf_lat"])
	assert.Equal(t, -93.61, rec["db_netcdf_lon"])
	assert.NotContains(t, rec, "data_value")
	assert.NotContains(t, rec, "mrms2_lat")
	assert.NotContains(t, rec, "mrms2_lon")

	assert.Equal(t, "minor", rec["crash_severity"])
	assert.Equal(t, int64(101), rec["incident_id"])

	// The source row stays untouched.
	assert.Equal(t, 1.25, inc.Row["data_value"])
}

func TestBaseRecordMissingRenameSourceIsNil(t *testing.T) {
	inc := domain.Incident{Row: map[string]any{"incident_id": int64(7)}}

	rec := baseRecord(inc, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), "g", "n")

	assert.Contains(t, rec, "db_netcdf_precip_mm")
	assert.Nil(t, rec["db_netcdf_precip_mm"])
	assert.Nil(t, rec["db_netcdf_lat"])
	assert.Nil(t, rec["db_netcdf_lon"])
}

func TestAddGribFields(t *testing.T) {
	rec := domain.MergedRecord{}
	rate := 3.5
	accum := rate * 2.0 / 60.0
	match := domain.MatchResult{Row: 1, Col: 3, Lat: 45.005, Lon: -99.965, DistanceM: 120.5, Value: &rate}

	addGribFields(rec, match, &accum, map[string]any{"shortName": "PrecipRate"})

	assert.Equal(t, 45.005, rec["grib2_nearest_lat"])
	assert.Equal(t, -99.965, rec["grib2_nearest_lon"])
	assert.Equal(t, 120.5, rec["grib2_nearest_dist_m"])
	assert.Equal(t, 3.5, rec["grib2_precip_raw_value_mm_hr"])
	assert.Equal(t, "mm/hr", rec["grib2_precip_unit"])
	assert.InDelta(t, accum, rec["grib2_precip_mm_2min"].(float64), 1e-12)
	assert.Equal(t, "PrecipRate", rec["grib2_file_metadata"].(map[string]any)["shortName"])
}

func TestAddGribFieldsNilValues(t *testing.T) {
	rec := domain.MergedRecord{}
	match := domain.MatchResult{Lat: 45.0, Lon: -99.0, DistanceM: 10}

	addGribFields(rec, match, nil, nil)

	assert.Contains(t, rec, "grib2_precip_raw_value_mm_hr")
	assert.Nil(t, rec["grib2_precip_raw_value_mm_hr"])
	assert.Contains(t, rec, "grib2_precip_mm_2min")
	assert.Nil(t, rec["grib2_precip_mm_2min"])
}

func TestAddNetCDFFields(t *testing.T) {
	rec := domain.MergedRecord{}
	zero := 0.0
	match := domain.MatchResult{Lat: 45.0, Lon: -99.97, DistanceM: 33.3, Value: &zero}

	addNetCDFFields(rec, match, "mrms_a2m", map[string]any{"title": "IEM generated raster"})

	assert.Equal(t, 45.0, rec["netcdf_nearest_lat"])
	assert.Equal(t, -99.97, rec["netcdf_nearest_lon"])
	assert.Equal(t, 33.3, rec["netcdf_nearest_dist_m"])
	// Zero is a real measurement, not a missing value.
	assert.Equal(t, 0.0, rec["netcdf_precip_mm"])
	assert.Equal(t, "mrms_a2m", rec["netcdf_product_code"])
	assert.Equal(t, "IEM generated raster", rec["netcdf_file_metadata"].(map[string]any)["title"])
}
