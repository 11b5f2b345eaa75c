// Package extract turns downloaded artifacts into gridded values plus the
// file metadata the reports publish. Both extractors stage work through a
// process-unique temp file and remove it on every path.
package extract

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ctessum/sparse"

	"github.com/couchcryptid/mrms-compare/internal/grib2"
)

// The PrecipRate record inside an MRMS archive file.
const (
	precipDiscipline = 209
	precipCategory   = 6
	precipNumber     = 1
)

// rateToTwoMinute converts an instantaneous mm/hr rate to the mm that would
// accumulate over one two-minute cycle.
const rateToTwoMinute = 2.0 / 60.0

// ErrRecordNotFound reports an archive file that decodes fine but carries
// no PrecipRate record. Callers degrade the bucket instead of failing.
var ErrRecordNotFound = errors.New("precip rate record not found")

// ValidArchive reports whether a payload starts with the gzip magic bytes.
// Error pages served with a 200 fail here before they reach disk; full
// decoding waits until extraction.
func ValidArchive(payload []byte) bool {
	return len(payload) > 2 && payload[0] == 0x1f && payload[1] == 0x8b
}

var disciplineNames = map[int]string{
	0:  "Meteorological products",
	1:  "Hydrological products",
	2:  "Land surface products",
	3:  "Space products",
	10: "Oceanographic products",
}

// GribData is the decoded curvilinear rendition of one bucket.
type GribData struct {
	Rate     *sparse.DenseArray // mm/hr, scan order, masked points NaN
	Accum    *sparse.DenseArray // mm per 2 min, Rate scaled by 2/60
	Lats     []float64          // scan-order axes for mesh expansion
	Lons     []float64
	Metadata map[string]any
}

// Grib extracts the PrecipRate record from gzipped archive files.
type Grib struct {
	logger *slog.Logger
}

func NewGrib(logger *slog.Logger) *Grib {
	return &Grib{logger: logger}
}

// ExtractFile decompresses path next to itself, decodes the archive and
// locates the PrecipRate record. The temp file is removed before return on
// success and failure alike.
func (g *Grib) ExtractFile(path string) (*GribData, error) {
	tmp := tempArtifactPath(strings.TrimSuffix(path, ".gz"))
	if err := gunzip(path, tmp); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	defer os.Remove(tmp)

	raw, err := os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", tmp, err)
	}
	msgs, err := grib2.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	for _, m := range msgs {
		if m.Discipline != precipDiscipline || m.ParameterCategory != precipCategory || m.ParameterNumber != precipNumber {
			continue
		}
		rate := sparse.ZerosDense(m.Nj, m.Ni)
		copy(rate.Elements, m.Values)
		accum := sparse.ZerosDense(m.Nj, m.Ni)
		for i, v := range m.Values {
			accum.Elements[i] = v * rateToTwoMinute
		}
		g.logger.Debug("extracted grib record",
			"path", path, "nj", m.Nj, "ni", m.Ni, "validity_date", m.ValidityDate, "validity_time", m.ValidityTime)
		return &GribData{
			Rate:     rate,
			Accum:    accum,
			Lats:     m.Lats,
			Lons:     m.Lons,
			Metadata: gribMetadata(m),
		}, nil
	}
	return nil, fmt.Errorf("%s: %w", path, ErrRecordNotFound)
}

func gribMetadata(m *grib2.Message) map[string]any {
	md := map[string]any{
		"discipline":        m.Discipline,
		"parameterCategory": m.ParameterCategory,
		"parameterNumber":   m.ParameterNumber,
		"level":             m.Level,
		"typeOfLevel":       m.TypeOfLevel,
		"stepRange":         m.StepRange,
		"validityDate":      m.ValidityDate,
		"validityTime":      m.ValidityTime,
		"Ni":                m.Ni,
		"Nj":                m.Nj,
		"projString":        m.ProjString(),
		// The archive's local tables don't name MRMS products, so these
		// three are fixed for the PrecipRate record.
		"name":      "Radar Precipitation Rate",
		"shortName": "PrecipRate",
		"units":     "mm/hr",
	}
	if name, ok := disciplineNames[m.Discipline]; ok {
		md["disciplineName"] = name
	}
	return md
}

func gunzip(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
