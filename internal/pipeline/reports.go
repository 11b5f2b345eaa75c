package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/mrms-compare/internal/domain"
)

// reportFiles names the three outputs of one run mode.
type reportFiles struct {
	Records string
	Grib    string
	NetCDF  string
}

func filesForMode(zeroValue bool) reportFiles {
	if zeroValue {
		return reportFiles{
			Records: "incidents_zero_value.json",
			Grib:    "grib2_file_format_zero.json",
			NetCDF:  "netcdf_file_format_zero.json",
		}
	}
	return reportFiles{
		Records: "value_not_zero.json",
		Grib:    "grib2_file_format.json",
		NetCDF:  "netcdf_file_format.json",
	}
}

// writeReports renders the run's three JSON documents under the output
// directory: merged records, GRIB metadata by file name, NetCDF metadata by
// timestamp key.
func (p *Pipeline) writeReports(zeroValue bool, state *runState) error {
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	files := filesForMode(zeroValue)
	outputs := []struct {
		name string
		data any
	}{
		{files.Records, state.records},
		{files.Grib, state.gribFormats},
		{files.NetCDF, state.netcdfFormats},
	}
	for _, out := range outputs {
		if err := writeJSON(filepath.Join(p.cfg.OutputDir, out.name), out.data); err != nil {
			return err
		}
	}

	p.logger.Info("reports written", "dir", p.cfg.OutputDir,
		"records", len(state.records), "grib_files", len(state.gribFormats), "netcdf_files", len(state.netcdfFormats))
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(sanitizeForJSON(v), "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// sanitizeForJSON makes a value marshalable: timestamps render in the source
// table's text form, non-finite floats become null, and anything else the
// encoder could reject falls back to its string form.
func sanitizeForJSON(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case domain.MergedRecord:
		return sanitizeMap(x)
	case map[string]any:
		return sanitizeMap(x)
	case []domain.MergedRecord:
		out := make([]any, len(x))
		for i, rec := range x {
			out[i] = sanitizeMap(rec)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitizeForJSON(e)
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = sanitizeForJSON(f)
		}
		return out
	case *float64:
		if x == nil {
			return nil
		}
		return sanitizeForJSON(*x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		return sanitizeForJSON(float64(x))
	case bool, string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05") + " UTC"
	default:
		return fmt.Sprint(x)
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeForJSON(v)
	}
	return out
}
