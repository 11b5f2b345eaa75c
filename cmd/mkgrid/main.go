// Command mkgrid writes synthetic sample products for local runs and tests:
// a NetCDF raster usable as SAMPLE_GRID_PATH and a gzipped GRIB2 archive
// usable as SAMPLE_GRIB_PATH. Cell values follow a bounded ramp so
// nearest-cell lookups are easy to verify by hand.
//
// Usage:
//
//	go run ./cmd/mkgrid -out data/sample \
//	  -lat0 41.0 -lon0 -94.0 -dlat 0.01 -dlon 0.01 -nlat 70 -nlon 100
package main

import (
	"compress/gzip"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/cdf"

	"github.com/couchcryptid/mrms-compare/internal/grib2"
)

const missingRaw int16 = -9999

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	outDir := flag.String("out", "data/sample", "output directory for the sample products")
	nlat := flag.Int("nlat", 70, "number of latitude rows")
	nlon := flag.Int("nlon", 100, "number of longitude columns")
	lat0 := flag.Float64("lat0", 41.0, "southern latitude edge in degrees north")
	lon0 := flag.Float64("lon0", -94.0, "western longitude edge in degrees east")
	dlat := flag.Float64("dlat", 0.01, "latitude step in degrees")
	dlon := flag.Float64("dlon", 0.01, "longitude step in degrees")
	product := flag.String("product", "mrms_a2m", "NetCDF data variable name")
	refTime := flag.String("time", "2024-06-01T12:02", "reference time for the archive record (YYYY-MM-DDThh:mm, UTC)")
	flag.Parse()

	ref, err := time.ParseInLocation("2006-01-02T15:04", *refTime, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid -time: %w", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	ncPath := filepath.Join(*outDir, "grid.nc")
	if err := writeRaster(ncPath, *product, *nlat, *nlon, *lat0, *lon0, *dlat, *dlon); err != nil {
		return fmt.Errorf("writing raster: %w", err)
	}
	log.Printf("wrote raster: %s (%dx%d)", ncPath, *nlat, *nlon)

	gribPath := filepath.Join(*outDir, "archive.grib2.gz")
	if err := writeArchive(gribPath, ref, *nlat, *nlon, *lat0, *lon0, *dlat, *dlon); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	log.Printf("wrote archive: %s", gribPath)

	fmt.Printf("\nSAMPLE_GRID_PATH=%s\nSAMPLE_GRIB_PATH=%s\n", ncPath, gribPath)
	return nil
}

// rampValue yields tenths of a millimetre cycling through 0..59.9.
func rampValue(i int) float64 {
	return float64(i%600) * 0.1
}

func writeRaster(path, product string, nlat, nlon int, lat0, lon0, dlat, dlon float64) error {
	h := cdf.NewHeader([]string{"time", "lat", "lon"}, []int{1, nlat, nlon})
	h.AddAttribute("", "title", "synthetic MRMS sample raster")
	h.AddVariable("time", []string{"time"}, []int32{0})
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddVariable(product, []string{"time", "lat", "lon"}, []int16{0})
	h.AddAttribute(product, "units", "mm")
	h.AddAttribute(product, "scale_factor", []float64{0.1})
	h.AddAttribute(product, "add_offset", []float64{0})
	h.AddAttribute(product, "missing_value", []int16{missingRaw})
	h.Define()

	lats := make([]float64, nlat)
	for i := range lats {
		lats[i] = lat0 + float64(i)*dlat
	}
	lons := make([]float64, nlon)
	for i := range lons {
		lons[i] = lon0 + float64(i)*dlon
	}
	raw := make([]int16, nlat*nlon)
	for i := range raw {
		if i%101 == 100 {
			raw[i] = missingRaw
			continue
		}
		raw[i] = int16(i % 600)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	nc, err := cdf.Create(f, h)
	if err != nil {
		f.Close()
		return err
	}

	vars := []struct {
		name string
		data any
	}{
		{"time", []int32{0}},
		{"lat", lats},
		{"lon", lons},
		{product, raw},
	}
	for _, v := range vars {
		end := nc.Header.Lengths(v.name)
		w := nc.Writer(v.name, make([]int, len(end)), end)
		if _, err := w.Write(v.data); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", v.name, err)
		}
	}
	if err := cdf.UpdateNumRecs(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeArchive(path string, ref time.Time, nlat, nlon int, lat0, lon0, dlat, dlon float64) error {
	values := make([]float64, nlat*nlon)
	for i := range values {
		// Sprinkle masked cells, like range-folded radar returns.
		if i%97 == 96 {
			values[i] = math.NaN()
			continue
		}
		values[i] = rampValue(i)
	}

	lo1 := lon0
	if lo1 < 0 {
		lo1 += 360
	}
	raw, err := grib2.Encode(grib2.Field{
		Discipline:        209,
		ParameterCategory: 6,
		ParameterNumber:   1,
		RefTime:           ref,
		La1:               lat0 + float64(nlat-1)*dlat, // northern edge, scan north to south
		Lo1:               lo1,
		DLat:              -dlat,
		DLon:              dlon,
		Ni:                nlon,
		Nj:                nlat,
		DecimalScale:      2,
		Values:            values,
	})
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
