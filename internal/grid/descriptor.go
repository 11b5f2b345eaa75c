// Package grid implements the two nearest-cell index strategies used by the
// comparison: a KD-tree over an explicit curvilinear mesh and a vectorized
// binary search over separable regular axes.
package grid

import (
	"errors"
	"fmt"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"

	"github.com/couchcryptid/mrms-compare/internal/domain"
)

// Curvilinear describes a grid whose cell centers are explicit 2-D latitude
// and longitude arrays of equal shape. Longitudes are stored in [0, 360).
type Curvilinear struct {
	Lats *sparse.DenseArray
	Lons *sparse.DenseArray
}

// NewCurvilinear builds a descriptor from two matching 2-D coordinate
// arrays, normalizing longitudes to [0, 360).
func NewCurvilinear(lats, lons *sparse.DenseArray) (*Curvilinear, error) {
	if lats == nil || lons == nil {
		return nil, errors.New("nil coordinate array")
	}
	if len(lats.Shape) != 2 || len(lons.Shape) != 2 {
		return nil, fmt.Errorf("coordinate arrays must be 2-D, got %v and %v", lats.Shape, lons.Shape)
	}
	if lats.Shape[0] != lons.Shape[0] || lats.Shape[1] != lons.Shape[1] {
		return nil, fmt.Errorf("coordinate shape mismatch: %v vs %v", lats.Shape, lons.Shape)
	}
	if lats.Shape[0] == 0 || lats.Shape[1] == 0 {
		return nil, errors.New("empty coordinate array")
	}
	wrapped := sparse.ZerosDense(lons.Shape...)
	for i, lon := range lons.Elements {
		wrapped.Elements[i] = domain.Lon360(lon)
	}
	return &Curvilinear{Lats: lats, Lons: wrapped}, nil
}

// FromAxes expands two 1-D axes to the full curvilinear mesh, row-major with
// latitude varying by row. The expansion happens once per run.
func FromAxes(lats, lons []float64) (*Curvilinear, error) {
	if len(lats) == 0 || len(lons) == 0 {
		return nil, errors.New("empty coordinate axis")
	}
	ny, nx := len(lats), len(lons)
	latMesh := sparse.ZerosDense(ny, nx)
	lonMesh := sparse.ZerosDense(ny, nx)
	for i, lat := range lats {
		for j, lon := range lons {
			latMesh.Set(lat, i, j)
			lonMesh.Set(domain.Lon360(lon), i, j)
		}
	}
	return &Curvilinear{Lats: latMesh, Lons: lonMesh}, nil
}

// Shape returns (rows, cols).
func (c *Curvilinear) Shape() (int, int) {
	return c.Lats.Shape[0], c.Lats.Shape[1]
}

// Extent returns the coordinate bounds, for logging.
func (c *Curvilinear) Extent() (latMin, latMax, lonMin, lonMax float64) {
	return floats.Min(c.Lats.Elements), floats.Max(c.Lats.Elements),
		floats.Min(c.Lons.Elements), floats.Max(c.Lons.Elements)
}

// Regular describes a grid with separable 1-D axes, each sorted strictly
// ascending. Longitudes stay in whatever convention the axis was stored in.
type Regular struct {
	Lats []float64
	Lons []float64
}

// NewRegular validates both axes.
func NewRegular(lats, lons []float64) (*Regular, error) {
	for _, axis := range []struct {
		name string
		vals []float64
	}{{"lat", lats}, {"lon", lons}} {
		if len(axis.vals) == 0 {
			return nil, fmt.Errorf("%s axis is empty", axis.name)
		}
		if !strictlyAscending(axis.vals) {
			return nil, fmt.Errorf("%s axis is not sorted ascending", axis.name)
		}
	}
	return &Regular{Lats: lats, Lons: lons}, nil
}

func strictlyAscending(vals []float64) bool {
	for i := 1; i < len(vals); i++ {
		if vals[i] <= vals[i-1] {
			return false
		}
	}
	return true
}
