package pipeline

import (
	"time"

	"github.com/couchcryptid/mrms-compare/internal/domain"
)

// dbRenames moves source columns that collide with report fields to db_
// names. The report key is always present, nil when the column is absent.
var dbRenames = []struct{ from, to string }{
	{"data_value", "db_netcdf_precip_mm"},
	{"mrms2_lat", "db_netcdf_lat"},
	{"mrms2_lon", "db_netcdf_lon"},
}

// baseRecord copies the incident's source row and adds the fields carried by
// every record regardless of artifact availability.
func baseRecord(inc domain.Incident, bucket time.Time, gribURL, netcdfURL string) domain.MergedRecord {
	rec := make(domain.MergedRecord, len(inc.Row)+16)
	for k, v := range inc.Row {
		rec[k] = v
	}
	rec["aligned_utc_timestamp"] = bucket.UTC().Format(time.RFC3339)
	rec["grib2_source_url"] = gribURL
	rec["netcdf_source_url"] = netcdfURL

	for _, m := range dbRenames {
		if v, ok := rec[m.from]; ok {
			delete(rec, m.from)
			rec[m.to] = v
		} else {
			rec[m.to] = nil
		}
	}
	return rec
}

// addGribFields attaches the curvilinear match. The raw rate and the derived
// two-minute value come from the same matched cell; either can be nil when
// the cell holds a masked or sentinel value.
func addGribFields(rec domain.MergedRecord, match domain.MatchResult, accum *float64, metadata map[string]any) {
	rec["grib2_nearest_lat"] = match.Lat
	rec["grib2_nearest_lon"] = match.Lon
	rec["grib2_nearest_dist_m"] = match.DistanceM
	rec["grib2_precip_raw_value_mm_hr"] = floatOrNil(match.Value)
	rec["grib2_precip_unit"] = "mm/hr"
	rec["grib2_precip_mm_2min"] = floatOrNil(accum)
	rec["grib2_file_metadata"] = metadata
}

// addNetCDFFields attaches the regular-grid match.
func addNetCDFFields(rec domain.MergedRecord, match domain.MatchResult, variable string, metadata map[string]any) {
	rec["netcdf_nearest_lat"] = match.Lat
	rec["netcdf_nearest_lon"] = match.Lon
	rec["netcdf_nearest_dist_m"] = match.DistanceM
	rec["netcdf_precip_mm"] = floatOrNil(match.Value)
	rec["netcdf_product_code"] = variable
	rec["netcdf_file_metadata"] = metadata
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
