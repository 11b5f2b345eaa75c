// Command validate performs integrity checks over the JSON reports written
// by a comparison run: the merged records plus the two file-format metadata
// documents. It verifies field presence, the database column renames, the
// unit conversion between the GRIB2 rate and its two-minute accumulation,
// and cross-references between records and metadata.
//
// Usage:
//
//	go run ./cmd/validate -report-dir netcdf_vs_grib2
//	go run ./cmd/validate -report-dir netcdf_vs_grib2 -zero
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// record is one merged comparison row, column-keyed like the source table.
type record map[string]any

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	reportDir := flag.String("report-dir", "netcdf_vs_grib2", "directory containing the comparison report files")
	zero := flag.Bool("zero", false, "validate the zero-value report files instead")
	flag.Parse()

	if code := run(*reportDir, *zero); code != 0 {
		os.Exit(code)
	}
}

func reportNames(zero bool) (records, grib, netcdf string) {
	if zero {
		return "incidents_zero_value.json", "grib2_file_format_zero.json", "netcdf_file_format_zero.json"
	}
	return "value_not_zero.json", "grib2_file_format.json", "netcdf_file_format.json"
}

func run(reportDir string, zero bool) int {
	recName, gribName, ncName := reportNames(zero)

	fmt.Println("=== Comparison Report Validation ===")
	fmt.Println()

	records, err := loadRecords(filepath.Join(reportDir, recName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load records: %v\n", err)
		return 1
	}
	gribFormats, err := loadObject(filepath.Join(reportDir, gribName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load grib metadata: %v\n", err)
		return 1
	}
	ncFormats, err := loadObject(filepath.Join(reportDir, ncName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load netcdf metadata: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateRecordIntegrity(records),
		validateGribFields(records),
		validateNetCDFFields(records),
		validateMetadataCrossRefs(records, gribFormats, ncFormats),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Records: %d merged, %d grib metadata, %d netcdf metadata\n",
		len(records), len(gribFormats), len(ncFormats))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

func loadRecords(path string) ([]record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func loadObject(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// ── Phase 1: Record Integrity ──
// Every record carries identity, provenance and the renamed database columns.

func validateRecordIntegrity(records []record) *phase {
	p := &phase{name: "Phase 1: Record Integrity"}

	renamed := []string{"db_netcdf_precip_mm", "db_netcdf_lat", "db_netcdf_lon"}
	removed := []string{"data_value", "mrms2_lat", "mrms2_lon"}

	for i, rec := range records {
		if _, ok := rec["incident_id"]; !ok {
			p.errorf("record %d: missing incident_id", i)
		}

		ts, ok := rec["aligned_utc_timestamp"].(string)
		if !ok {
			p.errorf("record %d: missing aligned_utc_timestamp", i)
		} else if t, err := time.Parse(time.RFC3339, ts); err != nil {
			p.errorf("record %d: aligned_utc_timestamp %q is not RFC 3339", i, ts)
		} else if t.Second() != 0 || t.Minute()%2 != 0 {
			p.errorf("record %d: aligned_utc_timestamp %q is not an even-minute bucket", i, ts)
		}

		for _, key := range []string{"grib2_source_url", "netcdf_source_url"} {
			s, ok := rec[key].(string)
			if !ok || s == "" {
				p.errorf("record %d: missing %s", i, key)
			} else if _, err := url.Parse(s); err != nil {
				p.errorf("record %d: %s %q is not a URL", i, key, s)
			}
		}

		for _, key := range renamed {
			if _, ok := rec[key]; !ok {
				p.errorf("record %d: missing renamed column %s", i, key)
			}
		}
		for _, key := range removed {
			if _, ok := rec[key]; ok {
				p.errorf("record %d: original column %s should have been renamed away", i, key)
			}
		}
	}
	return p
}

// ── Phase 2: GRIB2 Fields ──
// Match fields appear as a block, values are non-negative and the
// two-minute accumulation is the rate scaled by 2/60.

func validateGribFields(records []record) *phase {
	p := &phase{name: "Phase 2: GRIB2 Fields"}

	for i, rec := range records {
		if _, ok := rec["grib2_nearest_lat"]; !ok {
			// Bucket had no usable archive; the whole block must be absent.
			for _, key := range []string{"grib2_nearest_lon", "grib2_nearest_dist_m", "grib2_precip_raw_value_mm_hr", "grib2_precip_mm_2min", "grib2_file_metadata"} {
				if _, present := rec[key]; present {
					p.errorf("record %d: %s present without grib2_nearest_lat", i, key)
				}
			}
			continue
		}

		lon, ok := asFloat(rec["grib2_nearest_lon"])
		if !ok || lon < -180 || lon > 180 {
			p.errorf("record %d: grib2_nearest_lon %v outside [-180, 180]", i, rec["grib2_nearest_lon"])
		}
		if d, ok := asFloat(rec["grib2_nearest_dist_m"]); !ok || d < 0 {
			p.errorf("record %d: grib2_nearest_dist_m %v is not a non-negative number", i, rec["grib2_nearest_dist_m"])
		}
		if unit, _ := rec["grib2_precip_unit"].(string); unit != "mm/hr" {
			p.errorf("record %d: grib2_precip_unit %q, want mm/hr", i, rec["grib2_precip_unit"])
		}

		raw, rawSet := asFloat(rec["grib2_precip_raw_value_mm_hr"])
		accum, accumSet := asFloat(rec["grib2_precip_mm_2min"])
		switch {
		case rawSet != accumSet:
			p.errorf("record %d: rate and two-minute accumulation must be null together", i)
		case rawSet:
			if raw < 0 {
				p.errorf("record %d: grib2_precip_raw_value_mm_hr %g is negative", i, raw)
			}
			if want := raw * 2.0 / 60.0; math.Abs(accum-want) > 1e-6 {
				p.errorf("record %d: grib2_precip_mm_2min %g, want %g (rate %g scaled by 2/60)", i, accum, want, raw)
			}
		}

		md, ok := rec["grib2_file_metadata"].(map[string]any)
		if !ok {
			p.errorf("record %d: missing grib2_file_metadata", i)
		} else if md["shortName"] != "PrecipRate" {
			p.errorf("record %d: grib2_file_metadata.shortName %v, want PrecipRate", i, md["shortName"])
		}
	}
	return p
}

// ── Phase 3: NetCDF Fields ──

func validateNetCDFFields(records []record) *phase {
	p := &phase{name: "Phase 3: NetCDF Fields"}

	for i, rec := range records {
		if _, ok := rec["netcdf_nearest_lat"]; !ok {
			for _, key := range []string{"netcdf_nearest_lon", "netcdf_nearest_dist_m", "netcdf_precip_mm", "netcdf_product_code", "netcdf_file_metadata"} {
				if _, present := rec[key]; present {
					p.errorf("record %d: %s present without netcdf_nearest_lat", i, key)
				}
			}
			continue
		}

		if d, ok := asFloat(rec["netcdf_nearest_dist_m"]); !ok || d < 0 {
			p.errorf("record %d: netcdf_nearest_dist_m %v is not a non-negative number", i, rec["netcdf_nearest_dist_m"])
		}
		if v, ok := asFloat(rec["netcdf_precip_mm"]); ok && v < 0 {
			p.errorf("record %d: netcdf_precip_mm %g is negative", i, v)
		}
		if code, _ := rec["netcdf_product_code"].(string); code == "" {
			p.errorf("record %d: netcdf_product_code is empty", i)
		}
		if _, ok := rec["netcdf_file_metadata"].(map[string]any); !ok {
			p.errorf("record %d: missing netcdf_file_metadata", i)
		}
	}
	return p
}

// ── Phase 4: Metadata Cross-References ──
// Each record's source artifacts appear in the format documents: archives
// keyed by file name, rasters keyed by the bucket's YYYYMMDDHHMM stamp.

func validateMetadataCrossRefs(records []record, gribFormats, ncFormats map[string]any) *phase {
	p := &phase{name: "Phase 4: Metadata Cross-References"}

	for key := range gribFormats {
		if !strings.HasSuffix(key, ".grib2.gz") {
			p.errorf("grib metadata key %q is not an archive file name", key)
		}
	}
	for key := range ncFormats {
		if len(key) != 12 {
			p.errorf("netcdf metadata key %q is not a YYYYMMDDHHMM stamp", key)
		}
	}

	for i, rec := range records {
		if _, ok := rec["grib2_nearest_lat"]; ok {
			srcURL, _ := rec["grib2_source_url"].(string)
			file := path.Base(srcURL)
			if _, found := gribFormats[file]; !found {
				p.errorf("record %d: archive %q has no entry in the grib metadata document", i, file)
			}
		}

		if _, ok := rec["netcdf_nearest_lat"]; ok {
			ts, _ := rec["aligned_utc_timestamp"].(string)
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				continue // reported by phase 1
			}
			stamp := t.UTC().Format("200601021504")
			if _, found := ncFormats[stamp]; !found {
				p.errorf("record %d: bucket %s has no entry in the netcdf metadata document", i, stamp)
			}
		}
	}
	return p
}

// ── Helpers ──

// asFloat reports a JSON number; null and absent both come back unset.
func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
