package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/cdf"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/mrms-compare/internal/config"
	"github.com/couchcryptid/mrms-compare/internal/domain"
	"github.com/couchcryptid/mrms-compare/internal/extract"
	"github.com/couchcryptid/mrms-compare/internal/fetch"
	"github.com/couchcryptid/mrms-compare/internal/grib2"
	"github.com/couchcryptid/mrms-compare/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeIncidents struct {
	incidents []domain.Incident
	err       error
	gotZero   bool
}

func (f *fakeIncidents) ListIncidents(_ context.Context, zeroValue bool) ([]domain.Incident, error) {
	f.gotZero = zeroValue
	return f.incidents, f.err
}

// fakeArchives serves pre-encoded gzip archives keyed by archive time key.
// Buckets without a payload fail every attempt.
type fakeArchives struct {
	payloads map[string][]byte
}

func (f *fakeArchives) FileName(bucket time.Time) string {
	return "MRMS_PrecipRate_00.00_" + domain.GribTimeKey(bucket) + ".grib2.gz"
}

func (f *fakeArchives) SourceURL(bucket time.Time) string {
	return "https://archive.test/" + f.FileName(bucket)
}

func (f *fakeArchives) Get(_ context.Context, bucket time.Time) (fetch.AttemptResult, error) {
	payload, ok := f.payloads[domain.GribTimeKey(bucket)]
	if !ok {
		return fetch.AttemptResult{}, fmt.Errorf("no archive for %s", domain.GribTimeKey(bucket))
	}
	return fetch.AttemptResult{Payload: payload}, nil
}

type fakeRasters struct {
	payloads map[string][]byte
}

func (f *fakeRasters) SourceURL(bucket time.Time) string {
	return "https://raster.test/?dstr=" + domain.NetCDFTimeKey(bucket) + "&prod=mrms_a2m"
}

func (f *fakeRasters) Get(_ context.Context, bucket time.Time) (fetch.AttemptResult, error) {
	payload, ok := f.payloads[domain.NetCDFTimeKey(bucket)]
	if !ok {
		return fetch.AttemptResult{}, fmt.Errorf("no raster for %s", domain.NetCDFTimeKey(bucket))
	}
	return fetch.AttemptResult{Payload: payload}, nil
}

type capturePublisher struct {
	records []domain.MergedRecord
	err     error
	calls   int
}

func (c *capturePublisher) PublishMatches(_ context.Context, records []domain.MergedRecord) error {
	c.calls++
	c.records = records
	return c.err
}

// encodeArchive renders a gzipped archive holding one PrecipRate record on a
// 3x4 grid: lats 45.015 down to 44.995, lons 260.005 to 260.035.
func encodeArchive(t *testing.T, values []float64) []byte {
	t.Helper()
	raw, err := grib2.Encode(grib2.Field{
		Discipline:        209,
		ParameterCategory: 6,
		ParameterNumber:   1,
		RefTime:           time.Date(2024, 6, 1, 12, 2, 0, 0, time.UTC),
		La1:               45.015,
		Lo1:               260.005,
		DLat:              -0.01,
		DLon:              0.01,
		Ni:                4,
		Nj:                3,
		DecimalScale:      2,
		Values:            values,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// archiveValues puts value idx*0.5 in cell idx, so cell (1,3) holds 3.5.
func archiveValues() []float64 {
	values := make([]float64, 12)
	for i := range values {
		values[i] = float64(i) * 0.5
	}
	return values
}

// encodeRaster renders a NetCDF raster on a 3x4 grid: lats 44.99 to 45.01,
// lons -99.98 to -99.95, int16 values scaled by 0.1.
func encodeRaster(t *testing.T, raw []int16) []byte {
	t.Helper()
	h := cdf.NewHeader([]string{"time", "lat", "lon"}, []int{1, 3, 4})
	h.AddAttribute("", "title", "IEM generated raster")
	h.AddVariable("time", []string{"time"}, []int32{0})
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddVariable("mrms_a2m", []string{"time", "lat", "lon"}, []int16{0})
	h.AddAttribute("mrms_a2m", "scale_factor", []float64{0.1})
	h.AddAttribute("mrms_a2m", "add_offset", []float64{0})
	h.AddAttribute("mrms_a2m", "missing_value", []int16{-9999})
	h.Define()

	path := filepath.Join(t.TempDir(), "raster.nc")
	f, err := os.Create(path)
	require.NoError(t, err)
	nc, err := cdf.Create(f, h)
	require.NoError(t, err)

	writeVar := func(name string, data any) {
		end := nc.Header.Lengths(name)
		w := nc.Writer(name, make([]int, len(end)), end)
		_, werr := w.Write(data)
		require.NoError(t, werr)
	}
	writeVar("time", []int32{0})
	writeVar("lat", []float64{44.99, 45.00, 45.01})
	writeVar("lon", []float64{-99.98, -99.97, -99.96, -99.95})
	writeVar("mrms_a2m", raw)
	require.NoError(t, cdf.UpdateNumRecs(f))
	require.NoError(t, f.Close())

	payload, err := os.ReadFile(path)
	require.NoError(t, err)
	return payload
}

// rasterValues puts raw value idx in cell idx, so cell (1,1) holds 5 and
// scales to 0.5 mm.
func rasterValues() []int16 {
	raw := make([]int16, 12)
	for i := range raw {
		raw[i] = int16(i)
	}
	return raw
}

func testIncident(t *testing.T, id int64, lat, lon float64, ts string, dataValue float64) domain.Incident {
	t.Helper()
	inc, err := domain.IncidentFromRow(map[string]any{
		"incident_id":    id,
		"incident_lat":   lat,
		"incident_lon":   lon,
		"mrms_timestamp": ts,
		"data_value":     dataValue,
		"mrms2_lat":      lat,
		"mrms2_lon":      lon,
		"crash_severity": "minor",
	})
	require.NoError(t, err)
	return inc
}

type testPipeline struct {
	p         *Pipeline
	cfg       *config.Config
	incidents *fakeIncidents
	archives  *fakeArchives
	rasters   *fakeRasters
	publisher *capturePublisher
}

func newTestPipeline(t *testing.T, incidents []domain.Incident) *testPipeline {
	t.Helper()
	cfg := &config.Config{
		IncidentTable:    "mrms_data_for_cris_records_60min_statewide",
		IncidentLimit:    400,
		DataDir:          t.TempDir(),
		OutputDir:        filepath.Join(t.TempDir(), "netcdf_vs_grib2"),
		SampleGridTime:   time.Date(2024, 6, 1, 12, 2, 0, 0, time.UTC),
		NetCDFProduct:    "mrms_a2m",
		FetchConcurrency: 4,
		FetchMaxRetries:  1,
		FetchBackoff:     time.Millisecond,
	}
	logger := discardLogger()
	metrics := observability.NewMetricsForTesting()
	fetcher := fetch.New(fetch.Config{
		Concurrency: cfg.FetchConcurrency,
		MaxRetries:  cfg.FetchMaxRetries,
		BackoffBase: cfg.FetchBackoff,
	}, clockwork.NewRealClock(), metrics, logger)

	tp := &testPipeline{
		cfg:       cfg,
		incidents: &fakeIncidents{incidents: incidents},
		archives:  &fakeArchives{payloads: map[string][]byte{}},
		rasters:   &fakeRasters{payloads: map[string][]byte{}},
		publisher: &capturePublisher{},
	}
	tp.p = New(cfg, Deps{
		Incidents: tp.incidents,
		Archives:  tp.archives,
		Rasters:   tp.rasters,
		Fetcher:   fetcher,
		Grib:      extract.NewGrib(logger),
		NetCDF:    extract.NewNetCDF(cfg.NetCDFProduct, logger),
		Publisher: tp.publisher,
	}, logger, metrics)
	return tp
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	return records
}

func readObject(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	return obj
}

// The first bucket carries both renditions, the second is missing its
// archive. The run must produce one complete and one partial record.
func TestRunMergesFullAndPartialRecords(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)))
	defer domain.SetClock(nil)

	incA := testIncident(t, 101, 45.004, -99.968, "2024-06-01 12:02:30 UTC", 0.4)
	incB := testIncident(t, 102, 44.991, -99.979, "2024-06-01 12:04:10 UTC", 0.7)
	tp := newTestPipeline(t, []domain.Incident{incA, incB})

	tp.archives.payloads["20240601-120200"] = encodeArchive(t, archiveValues())
	tp.rasters.payloads["202406011202"] = encodeRaster(t, rasterValues())
	tp.rasters.payloads["202406011204"] = encodeRaster(t, rasterValues())

	require.Error(t, tp.p.CheckReadiness(context.Background()))

	summary, err := tp.p.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, "non-zero", summary.Mode)
	assert.Equal(t, 2, summary.Incidents)
	assert.Equal(t, 2, summary.Buckets)
	assert.Equal(t, 2, summary.Records)
	assert.Equal(t, 1, summary.GribAvailable)
	assert.Equal(t, 2, summary.NetCDFAvailable)
	assert.Zero(t, summary.Duration, "run timing reads the domain clock, which is frozen")
	assert.NoError(t, tp.p.CheckReadiness(context.Background()))

	records := readRecords(t, filepath.Join(tp.cfg.OutputDir, "value_not_zero.json"))
	require.Len(t, records, 2)

	bucketA := time.Date(2024, 6, 1, 12, 2, 0, 0, time.UTC)
	full := records[0]
	assert.Equal(t, float64(101), full["incident_id"])
	assert.Equal(t, "2024-06-01T12:02:00Z", full["aligned_utc_timestamp"])
	assert.Equal(t, tp.archives.SourceURL(bucketA), full["grib2_source_url"])
	assert.Equal(t, tp.rasters.SourceURL(bucketA), full["netcdf_source_url"])

	// Database columns arrive renamed, originals removed.
	assert.InDelta(t, 0.4, full["db_netcdf_precip_mm"].(float64), 1e-9)
	assert.InDelta(t, 45.004, full["db_netcdf_lat"].(float64), 1e-9)
	assert.NotContains(t, full, "data_value")
	assert.NotContains(t, full, "mrms2_lat")
	assert.NotContains(t, full, "mrms2_lon")
	assert.Equal(t, "minor", full["crash_severity"])

	// Nearest archive cell is (1,3): value 3.5 mm/hr at 45.005, 260.035.
	assert.InDelta(t, 45.005, full["grib2_nearest_lat"].(float64), 1e-9)
	assert.InDelta(t, -99.965, full["grib2_nearest_lon"].(float64), 1e-9)
	assert.Greater(t, full["grib2_nearest_dist_m"].(float64), 0.0)
	assert.InDelta(t, 3.5, full["grib2_precip_raw_value_mm_hr"].(float64), 1e-6)
	assert.Equal(t, "mm/hr", full["grib2_precip_unit"])
	assert.InDelta(t, 3.5*2.0/60.0, full["grib2_precip_mm_2min"].(float64), 1e-6)
	gribMD := full["grib2_file_metadata"].(map[string]any)
	assert.Equal(t, "PrecipRate", gribMD["shortName"])

	// Nearest raster cell is (1,1): raw 5 scaled to 0.5 mm at 45.00, -99.97.
	assert.InDelta(t, 45.0, full["netcdf_nearest_lat"].(float64), 1e-9)
	assert.InDelta(t, -99.97, full["netcdf_nearest_lon"].(float64), 1e-9)
	assert.InDelta(t, 0.5, full["netcdf_precip_mm"].(float64), 1e-9)
	assert.Equal(t, "mrms_a2m", full["netcdf_product_code"])
	ncMD := full["netcdf_file_metadata"].(map[string]any)
	assert.Equal(t, "IEM generated raster", ncMD["title"])

	partial := records[1]
	assert.Equal(t, float64(102), partial["incident_id"])
	assert.Equal(t, "2024-06-01T12:04:00Z", partial["aligned_utc_timestamp"])
	assert.NotContains(t, partial, "grib2_nearest_lat")
	assert.NotContains(t, partial, "grib2_precip_raw_value_mm_hr")
	assert.Contains(t, partial, "grib2_source_url")
	assert.InDelta(t, 0.0, partial["netcdf_precip_mm"].(float64), 1e-9)
	assert.InDelta(t, 44.99, partial["netcdf_nearest_lat"].(float64), 1e-9)
	assert.InDelta(t, 0.7, partial["db_netcdf_precip_mm"].(float64), 1e-9)

	gribFormats := readObject(t, filepath.Join(tp.cfg.OutputDir, "grib2_file_format.json"))
	require.Len(t, gribFormats, 1)
	assert.Contains(t, gribFormats, tp.archives.FileName(bucketA))

	ncFormats := readObject(t, filepath.Join(tp.cfg.OutputDir, "netcdf_file_format.json"))
	assert.Len(t, ncFormats, 2)
	assert.Contains(t, ncFormats, "202406011202")
	assert.Contains(t, ncFormats, "202406011204")

	assert.Equal(t, 1, tp.publisher.calls)
	assert.Len(t, tp.publisher.records, 2)

	// The archive was persisted under its durable name.
	_, err = os.Stat(filepath.Join(tp.cfg.DataDir, tp.archives.FileName(bucketA)))
	assert.NoError(t, err)
}

func TestRunNoIncidents(t *testing.T) {
	tp := newTestPipeline(t, nil)

	summary, err := tp.p.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Zero(t, summary.Incidents)
	assert.Zero(t, summary.Records)
	assert.Equal(t, 0, tp.publisher.calls)
	require.Error(t, tp.p.CheckReadiness(context.Background()))

	_, statErr := os.Stat(filepath.Join(tp.cfg.OutputDir, "value_not_zero.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunIncidentQueryFailureAborts(t *testing.T) {
	tp := newTestPipeline(t, nil)
	tp.incidents.err = errors.New("connection refused")

	_, err := tp.p.Run(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list incidents")
}

func TestRunZeroComparisonWritesZeroReports(t *testing.T) {
	inc := testIncident(t, 201, 45.004, -99.968, "2024-06-01 12:02:30 UTC", 0.0)
	tp := newTestPipeline(t, []domain.Incident{inc})
	tp.archives.payloads["20240601-120200"] = encodeArchive(t, archiveValues())
	tp.rasters.payloads["202406011202"] = encodeRaster(t, rasterValues())

	summary, err := tp.p.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, "zero", summary.Mode)
	assert.True(t, tp.incidents.gotZero)
	for _, name := range []string{"incidents_zero_value.json", "grib2_file_format_zero.json", "netcdf_file_format_zero.json"} {
		_, statErr := os.Stat(filepath.Join(tp.cfg.OutputDir, name))
		assert.NoError(t, statErr, name)
	}
}

func TestRunAbortsWhenSampleArchiveUnavailable(t *testing.T) {
	inc := testIncident(t, 301, 45.004, -99.968, "2024-06-01 12:02:30 UTC", 0.4)
	tp := newTestPipeline(t, []domain.Incident{inc})
	tp.rasters.payloads["202406011202"] = encodeRaster(t, rasterValues())

	_, err := tp.p.Run(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample archive")
}

func TestRunPublishFailureDoesNotAbort(t *testing.T) {
	inc := testIncident(t, 401, 45.004, -99.968, "2024-06-01 12:02:30 UTC", 0.4)
	tp := newTestPipeline(t, []domain.Incident{inc})
	tp.archives.payloads["20240601-120200"] = encodeArchive(t, archiveValues())
	tp.rasters.payloads["202406011202"] = encodeRaster(t, rasterValues())
	tp.publisher.err = errors.New("broker unreachable")

	summary, err := tp.p.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Records)
	records := readRecords(t, filepath.Join(tp.cfg.OutputDir, "value_not_zero.json"))
	assert.Len(t, records, 1)
}
