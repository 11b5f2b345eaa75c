package extract

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeRasterNetCDF builds a small raster in the shape the CGI service
// returns: a squeezed time axis, float64 coordinate axes and a packed
// int16 data variable.
func writeRasterNetCDF(t *testing.T, varName string) []byte {
	t.Helper()

	h := cdf.NewHeader([]string{"time", "lat", "lon"}, []int{1, 3, 4})
	h.AddAttribute("", "title", "IEM generated raster")
	h.AddAttribute("", "dx", []float64{0.01})
	h.AddVariable("time", []string{"time"}, []int32{0})
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddVariable(varName, []string{"time", "lat", "lon"}, []int16{0})
	h.AddAttribute(varName, "units", "mm")
	h.AddAttribute(varName, "scale_factor", []float64{0.1})
	h.AddAttribute(varName, "add_offset", []float64{0})
	h.AddAttribute(varName, "missing_value", []int16{-1})
	h.Define()

	path := filepath.Join(t.TempDir(), "raster.nc")
	f, err := os.Create(path)
	require.NoError(t, err)
	nc, err := cdf.Create(f, h)
	require.NoError(t, err)

	writeVar := func(name string, data any) {
		end := nc.Header.Lengths(name)
		w := nc.Writer(name, make([]int, len(end)), end)
		_, err := w.Write(data)
		require.NoError(t, err)
	}
	writeVar("time", []int32{0})
	writeVar("lat", []float64{44.99, 45.00, 45.01})
	writeVar("lon", []float64{-95.03, -95.02, -95.01, -95.00})
	raw := make([]int16, 12)
	for i := range raw {
		raw[i] = int16(i)
	}
	raw[5] = -1
	writeVar(varName, raw)

	require.NoError(t, cdf.UpdateNumRecs(f))
	require.NoError(t, f.Close())

	payload, err := os.ReadFile(path)
	require.NoError(t, err)
	return payload
}

func assertNoNetCDFTempFiles(t *testing.T) {
	t.Helper()
	leftovers, err := filepath.Glob(filepath.Join(os.TempDir(), "mrms_netcdf*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestNetCDFExtractBytes(t *testing.T) {
	payload := writeRasterNetCDF(t, "mrms_a2m")

	data, err := NewNetCDF("mrms_a2m", discardLogger()).ExtractBytes(payload)
	require.NoError(t, err)

	assert.Equal(t, "mrms_a2m", data.Variable)
	require.Equal(t, []int{3, 4}, data.Values.Shape)

	// Packed shorts come back through scale_factor.
	assert.InDelta(t, 0.0, data.Values.Get(0, 0), 1e-9)
	assert.InDelta(t, 0.7, data.Values.Get(1, 3), 1e-9)
	assert.InDelta(t, 1.1, data.Values.Get(2, 3), 1e-9)
	// missing_value is compared against the raw value, before scaling.
	assert.True(t, math.IsNaN(data.Values.Get(1, 1)))

	assert.InDeltaSlice(t, []float64{44.99, 45.00, 45.01}, data.Lats, 1e-9)
	assert.InDeltaSlice(t, []float64{-95.03, -95.02, -95.01, -95.00}, data.Lons, 1e-9)

	assert.Equal(t, "IEM generated raster", data.Metadata["title"])
	assert.InDelta(t, 0.01, data.Metadata["dx"].(float64), 1e-9)

	assertNoNetCDFTempFiles(t)
}

func TestNetCDFExtractBytesFallbackVariable(t *testing.T) {
	payload := writeRasterNetCDF(t, "reflectivity")

	data, err := NewNetCDF("mrms_a2m", discardLogger()).ExtractBytes(payload)
	require.NoError(t, err)
	assert.Equal(t, "reflectivity", data.Variable)
}

func TestNetCDFExtractBytesRejectsGarbage(t *testing.T) {
	_, err := NewNetCDF("mrms_a2m", discardLogger()).ExtractBytes([]byte("not a netcdf file"))
	require.Error(t, err)
	assertNoNetCDFTempFiles(t)
}

func TestNetCDFValid(t *testing.T) {
	n := NewNetCDF("mrms_a2m", discardLogger())

	assert.True(t, n.Valid(writeRasterNetCDF(t, "mrms_a2m")))
	assert.False(t, n.Valid([]byte("not a netcdf file")))
	assert.False(t, n.Valid(nil))

	assertNoNetCDFTempFiles(t)
}
