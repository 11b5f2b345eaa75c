package extract

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// NetCDFData is the decoded regular-grid rendition of one bucket.
type NetCDFData struct {
	Values   *sparse.DenseArray // nlat x nlon, missing points NaN
	Lats     []float64
	Lons     []float64
	Variable string
	Metadata map[string]any // global attributes
}

// NetCDF reads raster service payloads. product names the preferred data
// variable; when absent the first non-coordinate variable is used.
type NetCDF struct {
	product string
	logger  *slog.Logger
}

func NewNetCDF(product string, logger *slog.Logger) *NetCDF {
	return &NetCDF{product: product, logger: logger}
}

var coordNames = []string{"lat", "latitude", "lon", "longitude", "time", "x", "y"}

// ExtractBytes stages the payload through a temp file, opens it as NetCDF
// and reads the data variable with its coordinate axes, applying
// scale_factor, add_offset and the missing-value attribute. The temp file
// is removed on all paths.
func (n *NetCDF) ExtractBytes(payload []byte) (*NetCDFData, error) {
	tmp := tempArtifactPath(filepath.Join(os.TempDir(), "mrms_netcdf"))
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return nil, fmt.Errorf("stage netcdf payload: %w", err)
	}
	defer os.Remove(tmp)

	f, err := os.Open(tmp)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nc, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("decode netcdf: %w", err)
	}

	varName, err := n.dataVariable(nc)
	if err != nil {
		return nil, err
	}
	lats, err := readCoord(nc, "lat", "latitude")
	if err != nil {
		return nil, err
	}
	lons, err := readCoord(nc, "lon", "longitude")
	if err != nil {
		return nil, err
	}

	lengths := nc.Header.Lengths(varName)
	shape := make([]int, 0, 2)
	for _, l := range lengths {
		// Squeeze singleton dims such as a leading time axis.
		if l > 1 {
			shape = append(shape, l)
		}
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("variable %s has shape %v, want 2-D after squeeze", varName, lengths)
	}
	if shape[0] != len(lats) || shape[1] != len(lons) {
		return nil, fmt.Errorf("variable %s shape %v does not match axes %dx%d", varName, shape, len(lats), len(lons))
	}

	raw, err := readValues(nc, varName)
	if err != nil {
		return nil, err
	}

	scale, hasScale := attrFloat(nc.Header.GetAttribute(varName, "scale_factor"))
	if !hasScale {
		scale = 1
	}
	offset, _ := attrFloat(nc.Header.GetAttribute(varName, "add_offset"))
	missing, hasMissing := attrFloat(nc.Header.GetAttribute(varName, "missing_value"))
	if !hasMissing {
		missing, hasMissing = attrFloat(nc.Header.GetAttribute(varName, "_FillValue"))
	}

	values := sparse.ZerosDense(shape...)
	for i, v := range raw {
		if hasMissing && v == missing {
			values.Elements[i] = math.NaN()
			continue
		}
		values.Elements[i] = v*scale + offset
	}

	n.logger.Debug("extracted netcdf variable",
		"variable", varName, "nlat", len(lats), "nlon", len(lons))
	return &NetCDFData{
		Values:   values,
		Lats:     lats,
		Lons:     lons,
		Variable: varName,
		Metadata: globalAttrs(nc),
	}, nil
}

// Valid reports whether the payload opens as NetCDF with at least one
// variable. This is the validation capability handed to the fetcher.
func (n *NetCDF) Valid(payload []byte) bool {
	tmp := tempArtifactPath(filepath.Join(os.TempDir(), "mrms_netcdf_check"))
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return false
	}
	defer os.Remove(tmp)

	f, err := os.Open(tmp)
	if err != nil {
		return false
	}
	defer f.Close()

	nc, err := cdf.Open(f)
	if err != nil {
		return false
	}
	return len(nc.Header.Variables()) > 0
}

func (n *NetCDF) dataVariable(nc *cdf.File) (string, error) {
	vars := nc.Header.Variables()
	if slices.Contains(vars, n.product) {
		return n.product, nil
	}
	for _, v := range vars {
		if !slices.Contains(coordNames, v) {
			return v, nil
		}
	}
	return "", fmt.Errorf("no data variable among %v", vars)
}

func readCoord(nc *cdf.File, names ...string) ([]float64, error) {
	vars := nc.Header.Variables()
	for _, name := range names {
		if slices.Contains(vars, name) {
			return readValues(nc, name)
		}
	}
	return nil, fmt.Errorf("no %s coordinate among %v", names[0], vars)
}

func readValues(nc *cdf.File, name string) ([]float64, error) {
	total := 1
	for _, l := range nc.Header.Lengths(name) {
		total *= l
	}
	r := nc.Reader(name, nil, nil)
	buf := r.Zero(total)
	if _, err := r.Read(buf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	vals, ok := toFloat64s(buf)
	if !ok {
		return nil, fmt.Errorf("variable %s has unsupported type %T", name, buf)
	}
	return vals, nil
}

func toFloat64s(v any) ([]float64, bool) {
	switch b := v.(type) {
	case []float64:
		return b, true
	case []float32:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, true
	case []int32:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, true
	case []int16:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, true
	case []int8:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, true
	case []uint8:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, true
	default:
		return nil, false
	}
}

func attrFloat(v any) (float64, bool) {
	vals, ok := toFloat64s(v)
	if !ok || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func globalAttrs(nc *cdf.File) map[string]any {
	md := make(map[string]any)
	for _, name := range nc.Header.Attributes("") {
		val := nc.Header.GetAttribute("", name)
		if s, ok := val.(string); ok {
			md[name] = s
			continue
		}
		if vals, ok := toFloat64s(val); ok {
			if len(vals) == 1 {
				md[name] = vals[0]
			} else {
				md[name] = vals
			}
			continue
		}
		md[name] = fmt.Sprint(val)
	}
	return md
}
