package pipeline

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/mrms-compare/internal/domain"
)

func TestFilesForMode(t *testing.T) {
	normal := filesForMode(false)
	assert.Equal(t, "value_not_zero.json", normal.Records)
	assert.Equal(t, "grib2_file_format.json", normal.Grib)
	assert.Equal(t, "netcdf_file_format.json", normal.NetCDF)

	zero := filesForMode(true)
	assert.Equal(t, "incidents_zero_value.json", zero.Records)
	assert.Equal(t, "grib2_file_format_zero.json", zero.Grib)
	assert.Equal(t, "netcdf_file_format_zero.json", zero.NetCDF)
}

func TestSanitizeForJSON(t *testing.T) {
	val := 1.5
	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "string passes through", in: "abc", want: "abc"},
		{name: "finite float passes through", in: 2.5, want: 2.5},
		{name: "nan becomes null", in: math.NaN(), want: nil},
		{name: "inf becomes null", in: math.Inf(1), want: nil},
		{name: "nil pointer becomes null", in: (*float64)(nil), want: nil},
		{name: "pointer dereferences", in: &val, want: 1.5},
		{name: "timestamp renders like the source table", in: time.Date(2024, 6, 1, 12, 2, 30, 0, time.UTC), want: "2024-06-01 12:02:30 UTC"},
		{name: "unknown type falls back to its string form", in: complex(1, 2), want: "(1+2i)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeForJSON(tt.in))
		})
	}
}

func TestSanitizeForJSONNested(t *testing.T) {
	in := domain.MergedRecord{
		"metadata": map[string]any{"axis": []float64{1, math.NaN()}},
		"values":   []any{math.Inf(-1), "ok"},
	}

	got := sanitizeForJSON(in).(map[string]any)

	md := got["metadata"].(map[string]any)
	assert.Equal(t, []any{1.0, nil}, md["axis"])
	assert.Equal(t, []any{nil, "ok"}, got["values"])
}

func TestWriteJSONUsesFourSpaceIndent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")

	require.NoError(t, writeJSON(path, map[string]any{"key": []any{1.0}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n    \"key\"")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
}
